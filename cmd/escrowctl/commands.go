package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"escrowflow/app"
	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/order"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			pool, err := db.NewPool(cmd.Context(), cfg.DB)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool, log)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("schema is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Printf("applied %s\n", v)
			}
			return nil
		},
	}
}

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect orders",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [order-id]",
		Short: "Print an order's escrow state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				o, err := a.Orders.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printOrder(o)
				return nil
			})
		},
	})
	return cmd
}

func timelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline [order-id]",
		Short: "Print an order's action log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				actions, err := a.Orders.Timeline(ctx, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SEQ\tAT\tACTION\tACTOR\tDETAILS")
				for _, act := range actions {
					actorID := "-"
					if act.ActorID != nil {
						actorID = *act.ActorID
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s/%s\t%s\n",
						act.Seq, act.CreatedAt.Format(time.RFC3339), act.Type, act.ActorType, actorID, act.Details)
				}
				return w.Flush()
			})
		},
	}
}

func escalationsCmd() *cobra.Command {
	var (
		orderID string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "escalations",
		Short: "List dispute escalations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				escs, err := a.Disputes.ListEscalations(ctx, orderID, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tORDER\tTYPE\tBY\tAT\tREASON")
				for _, e := range escs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						e.ID, e.OrderID, e.Type, e.EscalatedBy, e.CreatedAt.Format(time.RFC3339), e.Reason)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "only escalations for this order")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	return cmd
}

func resolveCmd() *cobra.Command {
	var (
		outcome string
		adminID string
		note    string
	)
	cmd := &cobra.Command{
		Use:   "resolve [order-id]",
		Short: "Apply an admin resolution to a disputed order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				o, err := a.Disputes.ApplyResolution(ctx, dispute.Resolution{
					OrderID: args[0],
					AdminID: adminID,
					Outcome: dispute.Outcome(outcome),
					Note:    note,
				})
				if o.ID != "" {
					printOrder(o)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "release or refund")
	cmd.Flags().StringVar(&adminID, "admin", "", "id of the admin taking the decision")
	cmd.Flags().StringVar(&note, "note", "", "free-form note recorded on the timeline")
	_ = cmd.MarkFlagRequired("outcome")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one settlement sweep pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Sweep(ctx)
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Mint a bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			tokens, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl)
			if err != nil {
				return fmt.Errorf("auth.jwt_secret: %w", err)
			}
			tok, err := tokens.IssueToken(args[0], auth.Role(role))
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(auth.RoleUser), "user or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func printOrder(o order.Order) {
	held := "-"
	if o.EscrowHeldAmount != nil {
		held = o.EscrowHeldAmount.StringFixed(2)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%s\n", o.ID)
	fmt.Fprintf(w, "listing\t%s (%s)\n", o.ListingID, o.Listing.Title)
	fmt.Fprintf(w, "buyer / seller\t%s / %s\n", o.BuyerID, o.SellerID)
	fmt.Fprintf(w, "price\t%s (buyer fee %s, seller fee %s)\n", o.Price.StringFixed(2), o.BuyerFee.StringFixed(2), o.SellerFee.StringFixed(2))
	fmt.Fprintf(w, "status\t%s\n", o.Status)
	fmt.Fprintf(w, "escrow\t%s (held %s)\n", o.EscrowStatus, held)
	fmt.Fprintf(w, "buyer confirmed\t%s\n", stamp(o.BuyerConfirmedAt))
	fmt.Fprintf(w, "seller confirmed\t%s\n", stamp(o.SellerConfirmedAt))
	fmt.Fprintf(w, "escalated\t%s\n", stamp(o.AdminEscalatedAt))
	fmt.Fprintf(w, "needs attention\t%s\n", stamp(o.AttentionRequiredAt))
	fmt.Fprintf(w, "delivery\t%s\n", o.DeliveryOption)
	if o.TrackingNumber != nil {
		fmt.Fprintf(w, "tracking\t%s\n", *o.TrackingNumber)
	}
	_ = w.Flush()
}

func stamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
