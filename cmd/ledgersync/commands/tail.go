package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/pixdesk/ledgersync/internal/connection"
	"github.com/pixdesk/ledgersync/internal/router"
)

func tailCmd() *cobra.Command {
	var sub router.Subscription
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print live events delivered to one subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd.Context(), sub, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sub.Context, "context", "", "delivery context name (required)")
	cmd.Flags().Int64Var(&sub.TenantID, "tenant", 0, "tenant id for tenant contexts")
	cmd.Flags().StringVar(&sub.AccountID, "account", "", "restrict to one account")
	cmd.MarkFlagRequired("context")
	return cmd
}

func runTail(parent context.Context, sub router.Subscription, out io.Writer) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRealtime(cfg)
	if err != nil {
		return err
	}
	if rt == nil {
		return errors.New("realtime.url is not configured")
	}

	s, err := rt.router.Subscribe(sub)
	if err != nil {
		return err
	}
	unsub := rt.channel.OnStateChange(func(st connection.State) {
		fmt.Fprintf(os.Stderr, "-- %s\n", st)
	})
	defer unsub()

	if err := rt.Start(ctx); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		ev, ok := s.Receive()
		if !ok {
			break
		}
		fmt.Fprintln(out, formatEvent(ev))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	rt.Stop(stopCtx)
	if n := s.Dropped(); n > 0 {
		logger.Warn("events dropped by slow output", "dropped", n)
	}
	return nil
}

// formatEvent renders one event as a single line.
func formatEvent(ev router.Event) string {
	ts := ev.Timestamp.Format("2006-01-02 15:04:05")
	switch {
	case ev.Movement != nil:
		mv := ev.Movement
		party := ""
		if mv.Counterparty != nil && mv.Counterparty.Name != "" {
			party = " " + mv.Counterparty.Name
		}
		return fmt.Sprintf("%s %-20s tenant=%d account=%s %s %s %s%s",
			ts, ev.Kind, ev.TenantID, ev.AccountID,
			mv.Direction, formatAmount(mv.SignedAmount(), mv.Currency), mv.Status, party)

	case ev.Balance != nil:
		parts := make([]string, 0, len(ev.Balance.Balances))
		for _, b := range ev.Balance.Balances {
			parts = append(parts, formatAmount(b.Available, b.Currency))
		}
		return fmt.Sprintf("%s %-20s tenant=%d account=%s %s",
			ts, ev.Kind, ev.TenantID, ev.AccountID, strings.Join(parts, " "))
	}
	return fmt.Sprintf("%s %s", ts, ev.Kind)
}

// formatAmount displays amount in the currency's own notation. Unknown
// currencies fall back to the decimal text and code.
func formatAmount(amount decimal.Decimal, currency string) string {
	c := money.GetCurrency(currency)
	if c == nil {
		return amount.String() + " " + currency
	}
	minor := amount.Shift(int32(c.Fraction)).Round(0).IntPart()
	return money.New(minor, c.Code).Display()
}
