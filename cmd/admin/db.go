package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	agentID := fs.String("agent", "", "agent_id filter (train)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "agents"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "lab.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()
	if *limit <= 0 {
		*limit = 20
	}

	var rows *sql.Rows
	switch q {
	case "agents":
		rows, err = db.Query(`SELECT agent_id,steps,total_reward,last_reward,last_action,emotional_state,updated_at FROM agent_steps ORDER BY agent_id LIMIT ?`, *limit)
	case "train":
		if strings.TrimSpace(*agentID) == "" {
			rows, err = db.Query(`SELECT agent_id,training_steps,samples,loss,policy_loss,value_loss,mean_return,recorded_at FROM train_updates ORDER BY recorded_at DESC LIMIT ?`, *limit)
		} else {
			rows, err = db.Query(`SELECT agent_id,training_steps,samples,loss,policy_loss,value_loss,mean_return,recorded_at FROM train_updates WHERE agent_id=? ORDER BY training_steps DESC LIMIT ?`, *agentID, *limit)
		}
	case "episodes":
		rows, err = db.Query(`SELECT episode_id,start_time,end_time,num_frames,duration,metadata_json FROM episodes ORDER BY start_time DESC LIMIT ?`, *limit)
	case "configs":
		rows, err = db.Query(`SELECT name,digest,updated_at FROM configs ORDER BY name LIMIT ?`, *limit)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want agents|train|episodes|configs)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	defer rows.Close()
	if err := printRows(rows); err != nil {
		fmt.Fprintln(os.Stderr, "rows:", err)
		os.Exit(1)
	}
}

// printRows prints each row as a JSON object keyed by column name. JSON-valued columns are
// inlined.
func printRows(rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		obj := make(map[string]any, len(cols))
		for i, c := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if s, ok := v.(string); ok && (strings.HasSuffix(c, "_json") || c == "last_action") && json.Valid([]byte(s)) {
				v = json.RawMessage(s)
			}
			obj[strings.TrimSuffix(c, "_json")] = v
		}
		printJSON(obj)
	}
	return rows.Err()
}
