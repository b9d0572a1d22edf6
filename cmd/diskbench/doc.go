/*
diskbench runs disk benchmarks on a single spawned paraproc worker.
Results (dd throughput and hdparm -Tt timings) are streamed back and
printed to stdout. Pass the usual driver flags (-system, -ssh-hosts,
...) to pick where the worker runs.
*/
package main
