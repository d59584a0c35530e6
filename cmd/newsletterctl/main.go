// Command newsletterctl talks to a running newsletter API.
//
//	newsletterctl subscribe -email a@example.com -cities "Tel Aviv,Haifa"
//	newsletterctl verify -email a@example.com -code 123456
//	newsletterctl status -email a@example.com
//	newsletterctl unsubscribe -email a@example.com
//
// subscribe stays interactive: it shows the code's remaining lifetime and
// the resend cooldown while waiting for the code on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/worknow/newsletter/internal/client"
	"github.com/worknow/newsletter/internal/countdown"
)

const usage = `usage: newsletterctl [-url URL] <subscribe|verify|status|unsubscribe> [flags]`

func main() {
	global := flag.NewFlagSet("newsletterctl", flag.ExitOnError)
	baseURL := global.String("url", envOr("NEWSLETTER_URL", "http://localhost:8080"), "newsletter API base URL")
	global.Usage = func() { fmt.Fprintln(os.Stderr, usage); global.PrintDefaults() }
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(*baseURL, nil)
	var err error
	switch args[0] {
	case "subscribe":
		err = runSubscribe(ctx, c, args[1:], os.Stdin, os.Stdout, os.Stderr)
	case "verify":
		err = runVerify(ctx, c, args[1:], os.Stdout)
	case "status":
		err = runStatus(ctx, c, args[1:], os.Stdout)
	case "unsubscribe":
		err = runUnsubscribe(ctx, c, args[1:], os.Stdout)
	default:
		global.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// describe turns API errors into one human line.
func describe(err error) string {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return err.Error()
	}
	switch apiErr.Code {
	case client.CodeResendTooSoon:
		return fmt.Sprintf("please wait %s before requesting another code", apiErr.RetryAfter)
	case client.CodeCodeMismatch:
		return "wrong code, try again"
	case client.CodeCodeExpired:
		return "the code has expired, request a new one"
	case client.CodeCodeNotFound:
		return "no pending code for this address, request a new one"
	case client.CodeAlreadySubscribed:
		return "this address is already subscribed"
	case client.CodeNotSubscribed:
		return "this address is not subscribed"
	case client.CodeRateLimited:
		return fmt.Sprintf("too many requests, retry in %s", apiErr.RetryAfter)
	}
	if apiErr.Message != "" {
		return apiErr.Message
	}
	return apiErr.Error()
}

func parseSubscribeFlags(args []string) (client.SubscribeRequest, error) {
	fs := flag.NewFlagSet("subscribe", flag.ContinueOnError)
	var (
		req                                                  client.SubscribeRequest
		cities, categories, employment, languages, documents string
	)
	fs.StringVar(&req.Email, "email", "", "email address (required)")
	fs.StringVar(&req.FirstName, "first", "", "first name")
	fs.StringVar(&req.LastName, "last", "", "last name")
	fs.StringVar(&cities, "cities", "", "comma-separated preferred cities")
	fs.StringVar(&categories, "categories", "", "comma-separated preferred categories")
	fs.StringVar(&employment, "employment", "", "comma-separated employment types")
	fs.StringVar(&languages, "languages", "", "comma-separated languages")
	fs.StringVar(&documents, "documents", "", "comma-separated document types")
	fs.StringVar(&req.PreferredGender, "gender", "", "male or female")
	fs.BoolVar(&req.OnlyDemanded, "demanded", false, "only candidates marked as in demand")
	if err := fs.Parse(args); err != nil {
		return req, err
	}
	if req.Email == "" {
		return req, errors.New("-email is required")
	}
	req.PreferredCities = splitList(cities)
	req.PreferredCategories = splitList(categories)
	req.PreferredEmployment = splitList(employment)
	req.PreferredLanguages = splitList(languages)
	req.PreferredDocumentTypes = splitList(documents)
	return req, nil
}

// formatSnapshot renders the status line shown while waiting for a code.
func formatSnapshot(s countdown.Snapshot) string {
	switch s.State {
	case countdown.Expired:
		return "code expired, type r to get a new one"
	case countdown.Verified:
		return "verified"
	case countdown.Verifying:
		return "checking code..."
	}
	line := fmt.Sprintf("code expires in %02d:%02d", s.RemainingSeconds/60, s.RemainingSeconds%60)
	if s.ResendInSeconds > 0 {
		line += fmt.Sprintf(", resend in %ds", s.ResendInSeconds)
	} else {
		line += ", type r to resend"
	}
	return line
}

// ticker redraws the status line once a second until stopped.
type ticker struct {
	mu     sync.Mutex
	out    io.Writer
	cancel context.CancelFunc
}

func (t *ticker) restart(ctx context.Context, m *countdown.Machine) {
	t.stop()
	rctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	go countdown.Run(rctx, m, time.Second, func(s countdown.Snapshot) {
		fmt.Fprintf(t.out, "\r\033[K%s > ", formatSnapshot(s))
	})
}

func (t *ticker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func runSubscribe(ctx context.Context, c *client.Client, args []string, in io.Reader, out, status io.Writer) error {
	req, err := parseSubscribeFlags(args)
	if err != nil {
		return err
	}

	flow := client.NewFlow(c, countdown.New(nil), req)
	if err := flow.Send(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "verification code sent to %s\n", req.Email)

	t := &ticker{out: status}
	t.restart(ctx, flow.Machine())
	defer t.stop()

	lines := bufio.NewScanner(in)
	for lines.Scan() {
		input := strings.TrimSpace(lines.Text())
		switch {
		case input == "":
			continue
		case strings.EqualFold(input, "r"):
			if err := flow.Send(ctx); err != nil {
				fmt.Fprintf(out, "\n%s\n", describe(err))
				continue
			}
			fmt.Fprintln(out, "\nnew code sent")
			t.restart(ctx, flow.Machine())
		default:
			sub, err := flow.Verify(ctx, input)
			if errors.Is(err, countdown.ErrInvalidTransition) {
				fmt.Fprintln(out, "\ncode expired, type r to get a new one")
				continue
			}
			if err != nil {
				fmt.Fprintf(out, "\n%s\n", describe(err))
				if flow.Machine().Tick().State == countdown.Failed {
					t.restart(ctx, flow.Machine())
				}
				continue
			}
			t.stop()
			fmt.Fprintf(out, "\nsubscribed: %s\n", sub.Email)
			return nil
		}
	}
	if err := lines.Err(); err != nil {
		return err
	}
	return errors.New("input closed before the code was verified")
}

func emailFlag(name string, args []string, extra func(fs *flag.FlagSet)) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	email := fs.String("email", "", "email address (required)")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *email == "" {
		return "", errors.New("-email is required")
	}
	return *email, nil
}

func runVerify(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	var code, token string
	email, err := emailFlag("verify", args, func(fs *flag.FlagSet) {
		fs.StringVar(&code, "code", "", "verification code (required)")
		fs.StringVar(&token, "token", "", "subscription token from the send step")
	})
	if err != nil {
		return err
	}
	if code == "" {
		return errors.New("-code is required")
	}
	sub, err := c.Verify(ctx, email, code, token)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "subscribed: %s\n", sub.Email)
	return nil
}

func runStatus(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	email, err := emailFlag("status", args, nil)
	if err != nil {
		return err
	}
	st, err := c.Status(ctx, email)
	if err != nil {
		return err
	}
	if !st.IsSubscribed {
		fmt.Fprintf(out, "%s is not subscribed\n", email)
		return nil
	}
	fmt.Fprintf(out, "%s is subscribed", email)
	if st.Subscriber != nil && st.Subscriber.VerifiedAt != nil {
		fmt.Fprintf(out, " since %s", st.Subscriber.VerifiedAt.Format(time.RFC1123))
	}
	fmt.Fprintln(out)
	return nil
}

func runUnsubscribe(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	email, err := emailFlag("unsubscribe", args, nil)
	if err != nil {
		return err
	}
	if err := c.Unsubscribe(ctx, email); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s unsubscribed\n", email)
	return nil
}
