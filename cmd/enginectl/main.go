// cmd/enginectl is a flag-driven CLI that opens the storage engine
// directly in-process and exercises its primitive operations — the
// embedded equivalent of the teacher's cmd/client + internal/client HTTP
// SDK, minus the network hop: there is nothing to dial, since the engine
// lives in the same process as the CLI itself.
//
// Usage:
//
//	enginectl -data-dir /var/lib/myapp put streams '{"id":"s1","name":"demo"}'
//	enginectl -data-dir /var/lib/myapp get streams s1
//	enginectl -data-dir /var/lib/myapp delete streams s1
//	enginectl -data-dir /var/lib/myapp stats
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rhinos0608/kvengine/internal/kos"
)

func main() {
	dataDir := flag.String("data-dir", "/tmp/kvengine", "Directory for the engine's on-disk snapshot")
	writerID := flag.String("writer-id", "", "Stable writer identity (random if empty)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: enginectl [-data-dir dir] <put|get|delete|stats> ...")
		os.Exit(1)
	}

	opts := kos.DefaultOptions(*dataDir)
	opts.WriterID = *writerID
	opts.EnableFallback = true

	eng, err := kos.OpenWithRetry(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	if err := dispatch(eng, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dispatch(eng *kos.Engine, args []string) error {
	switch args[0] {
	case "put":
		return cmdPut(eng, args[1:])
	case "get":
		return cmdGet(eng, args[1:])
	case "delete":
		return cmdDelete(eng, args[1:])
	case "stats":
		return cmdStats(eng)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func cmdPut(eng *kos.Engine, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: put <store> <json-value>")
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	key, err := eng.Put(args[0], value, kos.PutOptions{})
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func cmdGet(eng *kos.Engine, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: get <store> <key>")
	}
	value, found, err := eng.Get(args[0], args[1])
	if err != nil {
		return err
	}
	if !found {
		fmt.Printf("key %q not found in store %q\n", args[1], args[0])
		return nil
	}
	prettyPrint(value)
	return nil
}

func cmdDelete(eng *kos.Engine, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: delete <store> <key>")
	}
	if err := eng.Delete(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("deleted %q from %q\n", args[1], args[0])
	return nil
}

func cmdStats(eng *kos.Engine) error {
	prettyPrint(eng.Stats())
	return nil
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
