package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"raftkv/pkg/rpc"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: raftkvctl [-addr URL] <command> [args]

commands:
  put <key> <value>
  get [-stale] <key>
  delete <key>
  bench [-ops N] [-concurrency N]
`)
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "any node of the cluster")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request timeout")
	retries := flag.Int("retries", 3, "retries on unavailable cluster")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	client := rpc.NewClient(*addr,
		rpc.WithTimeout(*timeout),
		rpc.WithRetries(*retries, 100*time.Millisecond))

	if err := run(context.Background(), client, *addr, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *rpc.Client, addr string, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "put":
		if len(args) != 2 {
			return fmt.Errorf("put needs <key> <value>")
		}
		res, err := client.Put(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(res)

	case "get":
		fs := flag.NewFlagSet("get", flag.ContinueOnError)
		stale := fs.Bool("stale", false, "read the contacted node's local state")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("get needs <key>")
		}

		var (
			res rpc.Result
			err error
		)
		if *stale {
			res, err = client.GetStale(ctx, fs.Arg(0))
		} else {
			res, err = client.Get(ctx, fs.Arg(0))
		}
		if err != nil {
			return err
		}
		if !res.Found {
			return fmt.Errorf("key %q not found", fs.Arg(0))
		}
		return printJSON(res)

	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("delete needs <key>")
		}
		res, err := client.Delete(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(res)

	case "bench":
		fs := flag.NewFlagSet("bench", flag.ContinueOnError)
		ops := fs.Int("ops", 100, "operations per test")
		concurrency := fs.Int("concurrency", 10, "goroutines for the concurrent tests")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return runBenchmark(ctx, addr, *ops, *concurrency)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
