// Command notes is a thin shell over the note engine: it wires the store,
// index, synchronizer and query engine together and exposes them as flag
// subcommands. All indexing and query logic lives in internal packages.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JaniM/emergence/internal/config"
	"github.com/JaniM/emergence/internal/coordinator"
	"github.com/JaniM/emergence/internal/engine"
	"github.com/JaniM/emergence/internal/index"
	"github.com/JaniM/emergence/internal/indexer"
	"github.com/JaniM/emergence/internal/store"
)

const usage = `usage: notes <command> [flags]

commands:
  add       add a note: notes add [-task] [-s subject]... <body>
  search    search notes: notes search [-s subject]... [-task todo|done|none] [text]
  similar   find notes similar to a draft: notes similar <text>
  done      toggle a task: notes done <note-id>
  todo      mark a task open: notes todo <note-id>
  tag       attach a subject: notes tag <note-id> <subject>
  untag     detach a subject: notes untag <note-id> <subject>
  rm        delete a note: notes rm <note-id>
  subjects  list subject suggestions: notes subjects [prefix]
  rebuild   rebuild the search index from the store
  export    write the whole store as JSON: notes export <file>
  import    restore an export into an empty store: notes import <file>
`

type app struct {
	cfg    config.Config
	store  *store.Store
	sync   *indexer.Synchronizer
	engine *engine.Engine
	coord  *coordinator.Coordinator
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	ctx := context.Background()
	cfg := config.Load()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}

	sync := indexer.New(st, index.New(), indexer.Options{
		QueueSize:    cfg.EventQueue,
		SnapshotPath: cfg.SnapshotPath,
	})
	st.Subscribe(sync)
	if err := sync.Bootstrap(ctx); err != nil {
		return err
	}

	a := &app{
		cfg:    cfg,
		store:  st,
		sync:   sync,
		engine: engine.New(st, sync.Index(), cfg.PageSize),
		coord:  coordinator.New(st, cfg.EditDebounce),
	}
	defer func() {
		_ = a.coord.FlushAll(ctx)
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		// Close drains whatever is still queued even if the wait gave up.
		_ = sync.WaitIdle(wctx)
		_ = sync.Close()
	}()

	switch command {
	case "add":
		return a.add(ctx, args)
	case "search":
		return a.search(ctx, args)
	case "similar":
		return a.similar(ctx, args)
	case "done":
		return a.setTask(ctx, args, store.TaskDone)
	case "todo":
		return a.setTask(ctx, args, store.TaskTodo)
	case "tag":
		return a.tag(ctx, args)
	case "untag":
		return a.untag(ctx, args)
	case "rm":
		return a.remove(ctx, args)
	case "subjects":
		return a.subjects(ctx, args)
	case "rebuild":
		return a.sync.Rebuild(ctx)
	case "export":
		return a.export(ctx, args)
	case "import":
		return a.importStore(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

type subjectList []string

func (s *subjectList) String() string { return strings.Join(*s, ",") }

func (s *subjectList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func (a *app) add(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	task := fs.Bool("task", false, "create as an open task")
	var subjects subjectList
	fs.Var(&subjects, "s", "subject to attach (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body := strings.Join(fs.Args(), " ")

	state := store.TaskNone
	if *task {
		state = store.TaskTodo
	}
	n, err := a.coord.CreateNote(ctx, body, state)
	if err != nil {
		return err
	}
	for _, s := range subjects {
		if n, err = a.coord.AttachSubject(ctx, n.ID, s); err != nil {
			return err
		}
	}
	fmt.Println(n.ID)
	return nil
}

func (a *app) search(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	var subjects subjectList
	fs.Var(&subjects, "s", "restrict to notes tagged with subject (repeatable)")
	taskFlag := fs.String("task", "", "restrict by task state: todo, done or none")
	cursor := fs.String("cursor", "", "continue from a previous page")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := engine.Query{
		Text:     strings.Join(fs.Args(), " "),
		Subjects: subjects,
		Cursor:   *cursor,
	}
	if *taskFlag != "" {
		state, err := store.ParseTaskState(*taskFlag)
		if err != nil {
			return err
		}
		q.Task = &state
	}

	page, err := a.engine.Search(ctx, q)
	if err != nil {
		return err
	}
	printPage(page)
	return nil
}

func (a *app) similar(ctx context.Context, args []string) error {
	draft := strings.Join(args, " ")
	notes, err := a.engine.Similar(ctx, draft, 10)
	if err != nil {
		return err
	}
	for _, sn := range notes {
		printNote(sn)
	}
	return nil
}

func (a *app) setTask(ctx context.Context, args []string, state store.TaskState) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	_, err = a.coord.SetTaskState(ctx, id, state)
	return err
}

func (a *app) tag(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: notes tag <note-id> <subject>")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return err
	}
	_, err = a.coord.AttachSubject(ctx, id, args[1])
	return err
}

func (a *app) untag(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: notes untag <note-id> <subject>")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return err
	}
	_, err = a.coord.DetachSubject(ctx, id, args[1])
	return err
}

func (a *app) remove(ctx context.Context, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	return a.coord.DeleteNote(ctx, id)
}

func (a *app) subjects(ctx context.Context, args []string) error {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	subjects, err := a.store.Suggest(ctx, prefix, a.cfg.SuggestLimit)
	if err != nil {
		return err
	}
	for _, s := range subjects {
		fmt.Printf("%s (%d)\n", s.Display, s.UsageCount)
	}
	return nil
}

func (a *app) export(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: notes export <file>")
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	if err := a.store.Export(ctx, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (a *app) importStore(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: notes import <file>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	if err := a.store.Import(ctx, f); err != nil {
		return err
	}
	// The import bypasses change events; the index catches up in one pass.
	return a.sync.Rebuild(ctx)
}

func parseID(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, fmt.Errorf("expected exactly one note id")
	}
	return uuid.Parse(args[0])
}

func printPage(page *engine.Page) {
	for _, g := range page.Groups {
		fmt.Println(g.Date)
		for _, sn := range g.Notes {
			printNote(sn)
		}
	}
	if page.NextCursor != "" {
		fmt.Printf("more: -cursor %s\n", page.NextCursor)
	}
}

func printNote(sn engine.ScoredNote) {
	n := sn.Note
	marker := " "
	switch n.Task {
	case store.TaskTodo:
		marker = "☐"
	case store.TaskDone:
		marker = "☑"
	}
	line := strings.SplitN(n.Body, "\n", 2)[0]
	if len(sn.Note.Subjects) > 0 {
		line += "  [" + strings.Join(n.Subjects, ", ") + "]"
	}
	if sn.Score > 0 {
		fmt.Printf("  %s %s %s (%.2f)\n", marker, n.ID, line, sn.Score)
	} else {
		fmt.Printf("  %s %s %s\n", marker, n.ID, line)
	}
}
