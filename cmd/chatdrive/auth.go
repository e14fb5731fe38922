package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	cderrors "github.com/chatdrive/chatdrive/internal/errors"
	"github.com/chatdrive/chatdrive/internal/session"
	"github.com/chatdrive/chatdrive/internal/transport/s3store"
)

func runLogin(ctx context.Context, args []string, s streams) error {
	var g globalFlags
	fs := newFlagSet("login", &g, s)
	identity := fs.String("phone", "", "login identity (phone number, or account name for s3)")
	code := fs.String("code", "", "login code; prompted for when empty")
	password := fs.String("password", "", "second-factor password; prompted for when needed")
	accessKey := fs.String("access-key", os.Getenv("AWS_ACCESS_KEY_ID"), "s3 access key id")
	secretKey := fs.String("secret-key", os.Getenv("AWS_SECRET_ACCESS_KEY"), "s3 secret access key")
	sessionToken := fs.String("session-token", os.Getenv("AWS_SESSION_TOKEN"), "s3 session token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(&g, s.in, s.out, s.err)
	if err != nil {
		return err
	}
	defer a.Close()

	if *identity == "" {
		if *identity, err = a.prompt("Phone: "); err != nil {
			return err
		}
	}

	if a.cfg.Transport.Backend == "s3" {
		return a.loginStatic(ctx, g.owner, *identity, s3store.Token{
			Account:         *identity,
			AccessKeyID:     *accessKey,
			SecretAccessKey: *secretKey,
			SessionToken:    *sessionToken,
		})
	}

	sess, err := a.registry.Get(session.PendingKey(*identity), "")
	if err != nil {
		return err
	}
	if err := sess.RequestCode(ctx, *identity); err != nil {
		return err
	}
	if *code == "" {
		if *code, err = a.prompt("Login code: "); err != nil {
			return err
		}
	}

	state, err := sess.SubmitCode(ctx, *code, *password)
	if errors.Is(err, cderrors.ErrPasswordRequired) {
		pw, perr := a.promptSecret("Password: ")
		if perr != nil {
			return perr
		}
		state, err = sess.SubmitCode(ctx, "", pw)
	}
	if err != nil {
		return err
	}
	if state != session.Authenticated {
		return fmt.Errorf("login ended in state %s", state)
	}

	if err := a.saveToken(ctx, sess, g.owner, *identity); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Logged in as %s (owner %s)\n", *identity, g.owner)
	return nil
}

// loginStatic saves a token built from static keys after checking the
// binding accepts it.
func (a *app) loginStatic(ctx context.Context, owner, identity string, tok s3store.Token) error {
	if tok.AccessKeyID == "" || tok.SecretAccessKey == "" {
		return cderrors.ErrInvalidIdentity.Wrap(errors.New("s3 login needs --access-key and --secret-key"))
	}
	token, err := s3store.EncodeToken(tok)
	if err != nil {
		return err
	}
	sess, err := a.registry.Get(session.PendingKey(identity), token)
	if err != nil {
		return err
	}
	if !sess.IsAuthenticated(ctx) {
		return cderrors.ErrNotAuthenticated.Wrap(fmt.Errorf("bucket %q rejected the keys", a.cfg.Transport.S3.Bucket))
	}
	if err := a.saveToken(ctx, sess, owner, identity); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Logged in as %s (owner %s)\n", identity, owner)
	return nil
}

func runLogout(ctx context.Context, args []string, s streams) error {
	var g globalFlags
	fs := newFlagSet("logout", &g, s)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(&g, s.in, s.out, s.err)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, err := a.creds.Get(ctx, g.owner)
	if err != nil {
		return err
	}
	if acct == nil {
		fmt.Fprintf(a.stdout, "No saved session for %s\n", g.owner)
		return nil
	}

	var logoutErr error
	sess, err := a.registry.Get(g.owner, acct.Token)
	if err == nil {
		// Logout only revokes over an open connection.
		if sess.IsAuthenticated(ctx) {
			logoutErr = sess.Logout(ctx)
		}
	}
	if err := a.creds.Delete(ctx, g.owner); err != nil {
		return err
	}
	if logoutErr != nil {
		fmt.Fprintf(a.stderr, "warning: %v\n", logoutErr)
	}
	fmt.Fprintf(a.stdout, "Logged out %s\n", g.owner)
	return nil
}

func runStatus(ctx context.Context, args []string, s streams) error {
	var g globalFlags
	fs := newFlagSet("status", &g, s)
	probe := fs.Bool("probe", true, "check each session against the service")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(&g, s.in, s.out, s.err)
	if err != nil {
		return err
	}
	defer a.Close()

	accts, err := a.creds.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OWNER\tIDENTITY\tBACKEND\tUPDATED\tSTATE")
	for _, acct := range accts {
		state := "-"
		if *probe && acct.Backend == a.cfg.Transport.Backend {
			state = "invalid"
			if sess, err := a.registry.Get(acct.OwnerKey, acct.Token); err == nil && sess.IsAuthenticated(ctx) {
				state = sess.State().String()
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", acct.OwnerKey, acct.Identity, acct.Backend, acct.UpdatedAt.Format("2006-01-02 15:04:05"), state)
	}
	return tw.Flush()
}

// prompt reads one line from stdin after printing label to stderr.
func (a *app) prompt(label string) (string, error) {
	fmt.Fprint(a.stderr, label)
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading %s: %w", strings.TrimSuffix(strings.ToLower(label), ": "), err)
	}
	return strings.TrimSpace(line), nil
}

// promptSecret reads a line without echo when stdin is a terminal.
func (a *app) promptSecret(label string) (string, error) {
	f, ok := a.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return a.prompt(label)
	}
	fmt.Fprint(a.stderr, label)
	b, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(a.stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}
