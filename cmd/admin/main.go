// Command admin inspects a lab data directory offline or a running lab over HTTP.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"worldlab.ai/internal/learn"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "checkpoint":
			checkpointCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "metrics":
			metricsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the checkpoints found under the data dir.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	paths, err := listCheckpoints(filepath.Join(*dataDir, "checkpoints"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, p := range paths {
		fmt.Println(filepath.Base(p))
	}
}

func checkpointCmd(args []string) {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	agentID := fs.String("agent", "", "agent id (required unless -path)")
	path := fs.String("path", "", "checkpoint path (optional)")
	_ = fs.Parse(args)

	p := strings.TrimSpace(*path)
	if p == "" {
		if strings.TrimSpace(*agentID) == "" {
			fmt.Fprintln(os.Stderr, "missing -agent or -path")
			os.Exit(2)
		}
		p = filepath.Join(*dataDir, "checkpoints", *agentID+".ckpt.zst")
	}
	h, err := learn.ReadCheckpointHeader(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read checkpoint:", err)
		os.Exit(1)
	}
	printJSON(h)
}

func listCheckpoints(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ckpt.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
