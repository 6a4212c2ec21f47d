package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	galdrdb "github.com/rthomasv3/GaldrDb-sub002"
	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell against an open database",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return runShell(e)
		},
	}
}

var shellCommands = []string{"collections", "indexes", "get", "delete", "vacuum", "checkpoint", "help", "exit"}

func runShell(e *galdrdb.Engine) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) (out []string) {
		for _, c := range shellCommands {
			if strings.HasPrefix(c, prefix) {
				out = append(out, c)
			}
		}
		return out
	})

	fmt.Println("galdrdb shell; 'help' lists commands")
	for {
		input, err := line.Prompt("galdr> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		if done := dispatch(e, fields); done {
			return nil
		}
	}
}

func dispatch(e *galdrdb.Engine, fields []string) (done bool) {
	switch fields[0] {
	case "exit", "quit":
		return true
	case "help":
		fmt.Println("collections           list user collections")
		fmt.Println("indexes <coll>        list a collection's indexes")
		fmt.Println("get <coll> <id>       print a document")
		fmt.Println("delete <coll> <id>    delete a document")
		fmt.Println("vacuum                reclaim unreachable versions")
		fmt.Println("checkpoint            flush and truncate the log")
		fmt.Println("exit                  leave the shell")
	case "collections":
		names, err := e.GetCollectionNames()
		if report(err) {
			return false
		}
		for _, n := range names {
			fmt.Println(n)
		}
	case "indexes":
		if len(fields) != 2 {
			fmt.Println("usage: indexes <collection>")
			return false
		}
		idx, err := e.GetIndexNames(fields[1])
		if report(err) {
			return false
		}
		for _, f := range idx {
			fmt.Println(f)
		}
	case "get":
		coll, id, ok := collAndID(fields)
		if !ok {
			return false
		}
		doc, err := e.GetByID(coll, id)
		if report(err) {
			return false
		}
		for _, f := range doc.Fields() {
			fmt.Printf("  %s = %s\n", f.Name, f.Value)
		}
	case "delete":
		coll, id, ok := collAndID(fields)
		if !ok {
			return false
		}
		if report(e.Delete(coll, id)) {
			return false
		}
		fmt.Println("deleted")
	case "vacuum":
		n, err := e.Vacuum()
		if report(err) {
			return false
		}
		fmt.Printf("reclaimed %d versions\n", n)
	case "checkpoint":
		ok, err := e.Checkpoint()
		if report(err) {
			return false
		}
		if !ok {
			fmt.Println("no write-ahead log configured")
		} else {
			fmt.Println("checkpoint complete")
		}
	default:
		fmt.Printf("unknown command %q; 'help' lists commands\n", fields[0])
	}
	return false
}

func collAndID(fields []string) (string, types.DocID, bool) {
	if len(fields) != 3 {
		fmt.Printf("usage: %s <collection> <id>\n", fields[0])
		return "", 0, false
	}
	id, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		fmt.Printf("bad document id %q\n", fields[2])
		return "", 0, false
	}
	return fields[1], types.DocID(id), true
}

func report(err error) bool {
	if err == nil {
		return false
	}
	if galdrerr.KindOf(err) == galdrerr.KindNotFound {
		fmt.Println("not found")
	} else {
		fmt.Println("error:", err)
	}
	return true
}
