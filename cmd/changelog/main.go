// Command changelog prints what every change of a document did, read straight
// from the document repositories on disk.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"hyperdraft/api/internal/blocks"
	"hyperdraft/api/internal/gitrepo"
	"hyperdraft/api/internal/versions"
)

type options struct {
	ReposDir    string
	Documents   []string
	Limit       int
	Concurrency int
	JSON        bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	flags := pflag.NewFlagSet("changelog", pflag.ContinueOnError)
	flags.StringVarP(&opts.ReposDir, "repos", "r", defaultReposDir(), "Directory holding one repository per document.")
	flags.StringSliceVarP(&opts.Documents, "document", "d", []string{}, "Document id to print (default: every document in --repos).")
	flags.IntVarP(&opts.Limit, "limit", "n", 0, "Print at most this many changes per document, newest first (0 means all).")
	flags.IntVarP(&opts.Concurrency, "concurrency", "c", versions.DefaultConcurrency, "Snapshots loaded in parallel.")
	flags.BoolVar(&opts.JSON, "json", false, "Print the changes as JSON.")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: changelog [flags]")
		fmt.Fprintln(os.Stderr, "\nSummarize the changes of document repositories.")
		fmt.Fprintln(os.Stderr, "\nExample: changelog -r ./data/repos -d doc-3f2a9c81e0")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("--limit must not be negative")
	}
	return opts, nil
}

func defaultReposDir() string {
	if dir := strings.TrimSpace(os.Getenv("HYPERDRAFT_REPOS_DIR")); dir != "" {
		return dir
	}
	return "./data/repos"
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type documentLog struct {
	DocumentID string                 `json:"documentId"`
	Changes    []versions.SmartChange `json:"changes"`
}

func run(ctx context.Context, opts *options, out io.Writer) error {
	documents := opts.Documents
	if len(documents) == 0 {
		found, err := listDocuments(opts.ReposDir)
		if err != nil {
			return err
		}
		documents = found
	}

	repos := gitrepo.New(opts.ReposDir)
	logs := make([]documentLog, 0, len(documents))
	for _, documentID := range documents {
		changes, err := documentChanges(ctx, repos, documentID, opts.Concurrency)
		if err != nil {
			return err
		}
		if opts.Limit > 0 && len(changes) > opts.Limit {
			changes = changes[:opts.Limit]
		}
		logs = append(logs, documentLog{DocumentID: documentID, Changes: changes})
	}

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(logs)
	}
	for i, doc := range logs {
		if i > 0 {
			fmt.Fprintln(out)
		}
		printLog(out, doc)
	}
	return nil
}

func documentChanges(ctx context.Context, repos *gitrepo.Service, documentID string, concurrency int) ([]versions.SmartChange, error) {
	records, err := repos.Changes(documentID)
	if err != nil {
		return nil, fmt.Errorf("read changes of %s: %w", documentID, err)
	}
	changes, err := versions.DiffRecords(ctx, records, func(_ context.Context, version string) ([]blocks.BlockNode, error) {
		content, _, err := repos.GetContentByVersion(documentID, version)
		if err != nil {
			return nil, err
		}
		return content.Children, nil
	}, concurrency)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", documentID, err)
	}
	return changes, nil
}

// listDocuments returns the ids of the git repositories directly under dir.
func listDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read repos dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, entry.Name(), ".git")); err != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func printLog(out io.Writer, doc documentLog) {
	fmt.Fprintf(out, "%s (%d changes)\n", doc.DocumentID, len(doc.Changes))
	for _, change := range doc.Changes {
		merge := ""
		if len(change.Deps) > 1 {
			merge = " [merge]"
		}
		fmt.Fprintf(out, "  %s  %s  %s%s\n", change.ID, change.CreateTime.UTC().Format("2006-01-02 15:04"), change.Author, merge)
		if change.Unavailable {
			fmt.Fprintf(out, "    (summary unavailable: %s)\n", change.Reason)
			continue
		}
		for _, line := range change.Summary {
			fmt.Fprintf(out, "    %s\n", line)
		}
	}
}
