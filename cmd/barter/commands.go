package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/panyam/barter"
	"github.com/panyam/barter/client"
	"github.com/panyam/barter/client/stores/fs"
	"github.com/panyam/barter/internal/app"
	"github.com/panyam/barter/oauth2"
)

// How often watch looks for sign-outs made by other barter processes
const credentialPollInterval = 2 * time.Second

type cli struct {
	app  *app.App
	sess *barter.Session
	out  io.Writer
}

func newCLI(ctx context.Context, a *app.App, credentialsFile string, out io.Writer) (*cli, error) {
	store, err := fs.NewFSCredentialStore(credentialsFile, "barter")
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials: %w", err)
	}
	opts := []barter.IdentityOption{barter.WithCredentialStore(client.NewSlot(store, a.CredentialKey()))}
	if a.Config.GoogleEnabled() {
		flow := oauth2.NewLoopbackFlow(a.Config.GoogleClientID, a.Config.GoogleClientSecret)
		flow.Out = os.Stderr
		opts = append(opts, barter.WithGoogleAuthenticator(flow))
	}

	sess := a.NewSession(opts...)
	if err := sess.Start(ctx); err != nil {
		a.Logger.Warn("saved session not restored", "error", err)
	}
	waitReady(ctx, sess, 10*time.Second)
	return &cli{app: a, sess: sess, out: out}, nil
}

// waitReady blocks until the session has reconciled its first auth state
func waitReady(ctx context.Context, sess *barter.Session, timeout time.Duration) {
	ready := make(chan struct{})
	var once sync.Once
	unsub := sess.OnChange(func(st barter.State) {
		if st.Status != barter.StatusInitializing {
			once.Do(func() { close(ready) })
		}
	})
	defer unsub()
	select {
	case <-ready:
	case <-ctx.Done():
	case <-time.After(timeout):
	}
}

func (c *cli) close() {
	c.sess.Close()
	c.sess.Identity().Close()
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("no command given")
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "signup":
		return c.signUp(ctx, args)
	case "signin":
		return c.signIn(ctx, args)
	case "google":
		return c.authResult(c.sess.SignInWithGoogle(ctx))
	case "reset":
		return c.reset(ctx, args)
	case "signout":
		return c.result(c.sess.SignOut(ctx))
	case "whoami":
		return c.whoami()
	case "profile":
		return c.profile(ctx, args)
	case "get":
		return c.get(ctx, args)
	case "query":
		return c.query(ctx, args)
	case "create":
		return c.create(ctx, args)
	case "update":
		return c.update(ctx, args)
	case "delete":
		return c.delete(ctx, args)
	case "watch":
		return c.watch(ctx, args)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (c *cli) signUp(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: signup <email> <password> [full name]")
	}
	data := barter.SignupData{FullName: strings.Join(args[2:], " ")}
	return c.authResult(c.sess.SignUp(ctx, args[0], args[1], data))
}

func (c *cli) signIn(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: signin <email> <password>")
	}
	return c.authResult(c.sess.SignIn(ctx, args[0], args[1]))
}

func (c *cli) reset(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: reset <email>")
	}
	if err := c.result(c.sess.ResetPassword(ctx, args[0])); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "If %s has an account, a reset link is on its way.\n", args[0])
	return nil
}

func (c *cli) whoami() error {
	st := c.sess.State()
	if st.User == nil {
		return barter.ErrNoActiveSession
	}
	return c.print(st)
}

func (c *cli) profile(ctx context.Context, args []string) error {
	if len(args) < 2 || args[0] != "set" {
		return errors.New("usage: profile set key=value...")
	}
	fields, err := parseAssignments(args[1:])
	if err != nil {
		return err
	}
	if err := c.result(c.sess.UpdateProfile(ctx, fields)); err != nil {
		return err
	}
	return c.print(c.sess.Profile())
}

// requireUser mirrors the gateway: documents are only reachable while signed in
func (c *cli) requireUser() error {
	if c.sess.User() == nil {
		return barter.ErrNoActiveSession
	}
	return nil
}

func writableCollection(name string) error {
	if name == barter.CollectionUsers {
		return errors.New("profiles are changed with: profile set key=value")
	}
	return nil
}

func (c *cli) get(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: get <collection> <id>")
	}
	if err := c.requireUser(); err != nil {
		return err
	}
	doc, err := c.app.Store.Get(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("%s/%s: %w", args[0], args[1], barter.ErrNotFound)
	}
	return c.print(doc)
}

// stringList collects a repeated flag
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ", ") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

type queryFlags struct {
	where stringList
	order string
	dir   string
	limit int
	set   map[string]bool
}

func parseQueryFlags(name string, args []string) (*queryFlags, []string, error) {
	qf := &queryFlags{set: map[string]bool{}}
	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	fset.Var(&qf.where, "where", `condition "field op value"; repeat to AND`)
	fset.StringVar(&qf.order, "order", barter.DefaultOrderField, "order field; empty for unordered")
	fset.StringVar(&qf.dir, "dir", string(barter.DefaultDirection), "asc or desc")
	fset.IntVar(&qf.limit, "limit", barter.DefaultLimit, "maximum results; 0 for all")
	if err := fset.Parse(reorderFlags(args)); err != nil {
		return nil, nil, err
	}
	fset.Visit(func(f *flag.Flag) { qf.set[f.Name] = true })
	return qf, fset.Args(), nil
}

func (qf *queryFlags) build() ([]barter.Condition, []barter.QueryOption, error) {
	var conds []barter.Condition
	for _, w := range qf.where {
		cond, err := barter.ParseCondition(w)
		if err != nil {
			return nil, nil, err
		}
		conds = append(conds, cond)
	}
	var opts []barter.QueryOption
	if qf.set["order"] || qf.set["dir"] {
		dir := barter.Direction(strings.ToLower(qf.dir))
		if dir != barter.Asc && dir != barter.Desc {
			return nil, nil, fmt.Errorf("unknown direction %q", qf.dir)
		}
		opts = append(opts, barter.OrderBy(qf.order, dir))
	}
	if qf.set["limit"] {
		if qf.limit < 0 {
			return nil, nil, errors.New("limit must not be negative")
		}
		opts = append(opts, barter.Limit(qf.limit))
	}
	return conds, opts, nil
}

func (c *cli) query(ctx context.Context, args []string) error {
	qf, rest, err := parseQueryFlags("query", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errors.New("usage: query <collection> [-where \"field op value\"]... [-order field] [-dir asc|desc] [-limit n]")
	}
	if err := c.requireUser(); err != nil {
		return err
	}
	conds, opts, err := qf.build()
	if err != nil {
		return err
	}
	docs, err := c.app.Store.Query(ctx, rest[0], conds, opts...)
	if err != nil {
		return err
	}
	return c.print(docs)
}

func (c *cli) create(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("create", flag.ContinueOnError)
	id := fset.String("id", "", "document id; generated when empty")
	if err := fset.Parse(reorderFlags(args)); err != nil {
		return err
	}
	if fset.NArg() != 2 {
		return errors.New("usage: create [-id id] <collection> <json>")
	}
	coll := fset.Arg(0)
	if err := c.requireUser(); err != nil {
		return err
	}
	if err := writableCollection(coll); err != nil {
		return err
	}
	data, err := parseObject(fset.Arg(1))
	if err != nil {
		return err
	}
	newID, err := c.app.Store.Create(ctx, coll, data, *id)
	if err != nil {
		return err
	}
	return c.print(barter.Result{Success: true, ID: newID})
}

func (c *cli) update(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: update <collection> <id> <json>")
	}
	if err := c.requireUser(); err != nil {
		return err
	}
	if err := writableCollection(args[0]); err != nil {
		return err
	}
	patch, err := parseObject(args[2])
	if err != nil {
		return err
	}
	if err := c.app.Store.Update(ctx, args[0], args[1], patch); err != nil {
		return err
	}
	return c.print(barter.Result{Success: true, ID: args[1]})
}

func (c *cli) delete(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: delete <collection> <id>")
	}
	if err := c.requireUser(); err != nil {
		return err
	}
	if err := writableCollection(args[0]); err != nil {
		return err
	}
	if err := c.app.Store.Delete(ctx, args[0], args[1]); err != nil {
		return err
	}
	return c.print(barter.Result{Success: true, ID: args[1]})
}

// watch prints the full result set, one JSON line per change, until interrupted or signed out
func (c *cli) watch(ctx context.Context, args []string) error {
	qf, rest, err := parseQueryFlags("watch", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errors.New("usage: watch <collection> [-where \"field op value\"]...")
	}
	if err := c.requireUser(); err != nil {
		return err
	}
	conds, opts, err := qf.build()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	enc := json.NewEncoder(c.out)
	unsub, err := c.app.Store.Subscribe(ctx, rest[0], conds, func(docs []*barter.Document) {
		if err := enc.Encode(docs); err != nil {
			c.app.Logger.Warn("error writing snapshot", "error", err)
		}
	}, opts...)
	if err != nil {
		return err
	}
	defer unsub()

	signedOut := make(chan struct{})
	var once sync.Once
	stop := c.sess.OnChange(func(st barter.State) {
		if st.User == nil && st.Status != barter.StatusInitializing {
			once.Do(func() { close(signedOut) })
		}
	})
	defer stop()
	go c.sess.Identity().WatchCredentials(ctx, credentialPollInterval)

	select {
	case <-ctx.Done():
		return nil
	case <-signedOut:
		return barter.ErrNoActiveSession
	}
}

func (c *cli) authResult(res barter.AuthResult) error {
	if !res.Success {
		return errors.New(res.Error)
	}
	return c.print(c.sess.State())
}

func (c *cli) result(res barter.Result) error {
	if !res.Success {
		return errors.New(res.Error)
	}
	return nil
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseAssignments reads key=value pairs.  Values are JSON when they parse, strings otherwise.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			out[k] = parsed
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func parseObject(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %w", err)
	}
	return m, nil
}

// reorderFlags moves flags ahead of positional arguments so they may follow the collection
// name.  Every flag of these commands takes a value.
func reorderFlags(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if strings.HasPrefix(a, "-") && len(a) > 1 {
			flags = append(flags, a)
			if !strings.Contains(a, "=") && i+1 < len(args) {
				flags = append(flags, args[i+1])
				i++
			}
			continue
		}
		positional = append(positional, a)
	}
	return append(flags, positional...)
}
