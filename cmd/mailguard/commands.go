package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/mail"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/synqronlabs/mailguard"
	"github.com/synqronlabs/mailguard/utils"
)

func runValidate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	file := fs.String("file", "-", "message file, - for stdin")
	ip := fs.String("ip", "", "IP address of the sending host")
	mailFrom := fs.String("mailfrom", "", "envelope sender (MAIL FROM)")
	checkIP := fs.Bool("dnsbl", false, "also check the sender IP against the block lists")
	if err := fs.Parse(args); err != nil {
		return err
	}

	raw, err := readMessage(*file)
	if err != nil {
		return err
	}
	senderIP := net.ParseIP(*ip)
	if senderIP == nil {
		return fmt.Errorf("invalid sender IP %q", *ip)
	}

	msg := mailguard.Message{
		MailFrom:   *mailFrom,
		Raw:        raw,
		ReceivedAt: time.Now(),
	}
	if parsed, err := mail.ReadMessage(bytes.NewReader(raw)); err == nil {
		msg.ID = parsed.Header.Get("Message-ID")
		msg.From = parsed.Header.Get("From")
	}
	if msg.ID == "" {
		msg.ID = "<" + utils.GenerateID() + "@mailguard>"
	}

	verdict := a.validator().Validate(ctx, msg, senderIP)
	printVerdict(verdict)
	fmt.Println(verdict.AuthenticationResults(a.cfg.Validation.Hostname))

	if *checkIP {
		printCheck(a.checker().CheckIP(ctx, senderIP.String(), msg.ID))
	}
	return nil
}

func readMessage(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func runCheckIP(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("check-ip", flag.ContinueOnError)
	messageID := fs.String("message-id", "", "message ID recorded with the check")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("check-ip: at least one address is required")
	}

	c := a.checker()
	if fs.NArg() == 1 {
		printCheck(c.CheckIP(ctx, fs.Arg(0), *messageID))
		return nil
	}
	for _, res := range c.CheckBatch(ctx, fs.Args()) {
		printCheck(res)
	}
	return nil
}

func runLists(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("lists", flag.ContinueOnError)
	enable := fs.String("enable", "", "activate the list with this hostname")
	disable := fs.String("disable", "", "deactivate the list with this hostname")
	health := fs.Bool("health", false, "query the test entry of every active list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	changes := []struct {
		host   string
		active bool
	}{{*enable, true}, {*disable, false}}
	for _, ch := range changes {
		if ch.host == "" {
			continue
		}
		ok, err := a.store.SetActive(ctx, ch.host, ch.active)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("unknown block list %q", ch.host)
		}
	}

	lists, err := a.store.Lists(ctx)
	if err != nil {
		return err
	}
	c := a.checker()
	for _, l := range lists {
		var healthErr error
		if *health && l.Active {
			healthErr = c.CheckHealth(ctx, l.Hostname)
		}
		printList(l, *health && l.Active, healthErr)
	}
	return nil
}

func runReport(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	domain := fs.String("domain", "", "From domain to report on")
	beginFlag := fs.String("begin", "", "window start, RFC 3339 (default: start of the last interval)")
	endFlag := fs.String("end", "", "window end, RFC 3339 (default: end of the last interval)")
	send := fs.Bool("send", false, "send the report after generating it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *domain == "" {
		return errors.New("report: -domain is required")
	}

	g, err := a.generator()
	if err != nil {
		return err
	}
	begin, end := a.scheduler(g).Window(time.Now())
	if *beginFlag != "" || *endFlag != "" {
		if begin, err = time.Parse(time.RFC3339, *beginFlag); err != nil {
			return fmt.Errorf("report: -begin: %w", err)
		}
		if end, err = time.Parse(time.RFC3339, *endFlag); err != nil {
			return fmt.Errorf("report: -end: %w", err)
		}
	}

	r, err := g.Generate(ctx, *domain, begin, end)
	if err != nil {
		return err
	}
	if *send {
		if err := g.Send(ctx, r.ID); err != nil {
			return err
		}
		if r, err = a.store.GetReport(ctx, r.ID); err != nil {
			return err
		}
	}
	printReport(r)
	return nil
}

func runSendReport(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("send-report: exactly one report ID is required")
	}
	g, err := a.generator()
	if err != nil {
		return err
	}
	if err := g.Send(ctx, args[0]); err != nil {
		return err
	}
	r, err := a.store.GetReport(ctx, args[0])
	if err != nil {
		return err
	}
	printReport(r)
	return nil
}

func runServe(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	metricsAddr := fs.String("metrics", a.cfg.Server.MetricsAddr, "metrics listen address, empty to disable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	g, err := a.generator()
	if err != nil {
		return err
	}
	sched := a.scheduler(g)

	eg, ctx := errgroup.WithContext(ctx)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		eg.Go(func() error {
			a.logger.Info("serving metrics", "addr", *metricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	eg.Go(func() error {
		a.logger.Info("report scheduler started", "interval", sched.Interval)
		return sched.Run(ctx)
	})
	return eg.Wait()
}
