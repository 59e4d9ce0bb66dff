package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"symptom-triage/internal/config"
	"symptom-triage/internal/consultation"
	"symptom-triage/internal/offline"
	"symptom-triage/internal/report"
	"symptom-triage/internal/rules"
)

var offlineCmd = &cobra.Command{
	Use:   "offline [symptom]",
	Short: "Run one assessment in the terminal on the offline decision tree",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		ruleStore, err := rules.NewStore(cfg.RulesFile, nil)
		if err != nil {
			return fmt.Errorf("loading rules: %w", err)
		}
		flow, err := offline.Load(cfg.OfflineFlowFile)
		if err != nil {
			return fmt.Errorf("loading offline flow: %w", err)
		}

		settings := settingsFrom(cfg)
		settings.ClosingDelay = 0
		settings.HandoffDelay = 0
		svc := consultation.NewService(consultation.Deps{
			Rules:  ruleStore,
			Flow:   flow,
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		}, settings)

		h, err := runConsole(cmd.Context(), svc, strings.Join(args, " "), cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout())
		fmt.Fprintln(cmd.OutOrStdout(), report.Summary(*h))
		return nil
	},
}

// runConsole drives one session from line-based input until it hands off.
func runConsole(ctx context.Context, svc consultation.Service, symptom string, in io.Reader, out io.Writer) (*consultation.Handoff, error) {
	sess, err := svc.Start(ctx, consultation.StartRequest{InitialSymptom: symptom, GuestMode: true})
	if err != nil {
		return nil, err
	}
	events, cancel, err := svc.Subscribe(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer cancel()

	printed := printMessages(out, sess.Messages, 0)
	scanner := bufio.NewScanner(in)
	for !sess.Closed() {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.ErrUnexpectedEOF
		}
		answer := scanner.Text()
		if strings.TrimSpace(answer) == "" {
			continue
		}
		if sess, err = svc.Submit(ctx, sess.ID, answer); err != nil {
			if errors.Is(err, consultation.ErrVerificationPending) {
				fmt.Fprintln(out, "Please answer the safety question first.")
				continue
			}
			return nil, err
		}
		if sess, err = settle(ctx, svc, sess.ID, events); err != nil {
			return nil, err
		}
		printed = printMessages(out, sess.Messages, printed)
	}

	h, err := svc.Finalize(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	for h == nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-events:
			if ev.Type == consultation.EventHandoff {
				h = ev.Handoff
			}
		}
	}
	return h, nil
}

// settle waits until the turn is no longer in flight, so delayed offline
// steps have posted their reply.
func settle(ctx context.Context, svc consultation.Service, id uuid.UUID, events <-chan consultation.Event) (*consultation.Session, error) {
	for {
		sess, err := svc.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !sess.TurnInFlight {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-events:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func printMessages(out io.Writer, msgs []consultation.Message, from int) int {
	for _, m := range msgs[from:] {
		if m.Sender != consultation.SenderAssistant || m.Metadata.IsSystemTransition {
			continue
		}
		fmt.Fprintln(out, m.Text)
		if o := m.Metadata.Options; o != nil && !o.Empty() {
			fmt.Fprintf(out, "  [%s]\n", strings.Join(o.Labels(), " / "))
		}
	}
	return len(msgs)
}
