// diskbench benchmarks the local disk of a single spawned worker,
// reporting dd and hdparm output back over a streaming RPC reply.
package main

import (
	"context"
	"encoding/gob"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	"github.com/fornaxlabs/paraproc"
	"github.com/fornaxlabs/paraproc/driver"
	"github.com/fornaxlabs/paraproc/rpc"
)

func main() {
	flag.Parse()
	rt, shutdown := driver.Start(paraproc.Services(map[string]interface{}{"Bench": bench{}}))
	defer shutdown()
	ctx := context.Background()
	workers, err := rt.Start(ctx, 1)
	must.Nil(err, "starting worker")
	log.Print("waiting for worker")
	w := workers[0]
	log.Print("running benchmark")
	var rc io.ReadCloser
	must.Nil(w.Call(ctx, "Bench.Run", struct{}{}, &rc))
	defer func() {
		must.Nil(rc.Close())
	}()
	_, err = io.Copy(os.Stdout, rc)
	must.Nil(err)
}

func init() {
	gob.Register(bench{})
}

type bench struct{}

func (bench) Run(ctx context.Context, _ struct{}, rc *io.ReadCloser) error {
	r, w := io.Pipe()
	go func() {
		if err := run(w); err != nil {
			if closeErr := w.CloseWithError(err); closeErr != nil {
				log.Error.Printf("closing pipe writer: %v", closeErr)
			}
			return
		}
		if err := w.Close(); err != nil {
			log.Printf("closing pipe writer: %v", err)
		}
	}()
	*rc = rpc.Flush(r)
	return nil
}

func run(w io.Writer) error {
	var (
		msg    string
		tmpDir = os.Getenv("TMPDIR")
	)
	if tmpDir == "" {
		msg = "$TMPDIR empty; assuming /tmp"
		tmpDir = "/tmp"
	} else {
		msg = fmt.Sprintf("$TMPDIR is %s\n", tmpDir)
	}
	if _, err := io.WriteString(w, msg); err != nil {
		return fmt.Errorf("writing $TMPDIR value: %v", err)
	}
	dev, err := resolveDev(tmpDir)
	if err != nil {
		return fmt.Errorf("resolving device of %s: %v", tmpDir, err)
	}
	const N = 3
	for i := 0; i < N; i++ {
		status := fmt.Sprintf("===\n=== benchmark run %d of %d\n===\n", i+1, N)
		if _, err = io.WriteString(w, status); err != nil {
			return fmt.Errorf("writing status: %v", err)
		}
		if err := dd(w, tmpDir); err != nil {
			return fmt.Errorf("running dd: %v", err)
		}
		if err := hdparm(w, dev); err != nil {
			return fmt.Errorf("running hdparm: %v", err)
		}
	}
	return nil
}

func resolveDev(p string) (string, error) {
	cmd := exec.Command("findmnt", "-n", "-o", "SOURCE", "--target", p)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("running findmnt to resolve %s: %v", p, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func dd(w io.Writer, tmpDir string) error {
	if _, err := io.WriteString(w, "= writing and reading with dd\n"); err != nil {
		return fmt.Errorf("writing status: %v", err)
	}
	p := path.Join(tmpDir, "bench.tmp")
	if err := runCmd(w, "dd",
		"if=/dev/zero",
		fmt.Sprintf("of=%s", p),
		"conv=fdatasync",
		"bs=1M",
		"count=1024",
	); err != nil {
		return fmt.Errorf("writing with dd: %v", err)
	}
	if err := runCmd(w, "dd",
		fmt.Sprintf("if=%s", p),
		"of=/dev/null",
		"bs=1M",
		"count=1024",
	); err != nil {
		return fmt.Errorf("reading with dd: %v", err)
	}
	return nil
}

func hdparm(w io.Writer, dev string) error {
	if _, err := io.WriteString(w, "= running hdparm -Tt\n"); err != nil {
		return fmt.Errorf("writing status: %v", err)
	}
	return runCmd(w, "hdparm", "-Tt", dev)
}

func runCmd(w io.Writer, name string, arg ...string) error {
	cmd := exec.Command(name, arg...)
	cmd.Stdout = w
	cmd.Stderr = w
	return cmd.Run()
}
