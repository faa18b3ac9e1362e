package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"merchantflow/events"
	"merchantflow/merchant"
	"merchantflow/merchantapi"
	"merchantflow/onboarding"
)

func createCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create [merchant-id]",
		Short: "Register a draft merchant in the Postgres store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := store.CreateMerchant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", rec.ID, rec.Status)
			return nil
		},
	}
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [merchant-id]",
		Short: "Show the merchant record, onboarding projections and agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Orchestrator.FetchAgreement(cmd.Context()); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func setStatusCmd(a *app) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "set-status [merchant-id] [status]",
		Short: "Change the merchant status (0 draft .. 4 signed)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || !merchant.Status(n).Valid() {
				return fmt.Errorf("status must be 0..4, got %q", args[1])
			}
			s, err := loadSession(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			rec, err := s.Orchestrator.ChangeStatus(cmd.Context(), merchant.Status(n), message)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s (%s)\n", rec.ID, rec.Status, rec.Status.Label())
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Reason stored with the status change")
	return cmd
}

func generateCmd(a *app) *cobra.Command {
	var preSigned bool
	cmd := &cobra.Command{
		Use:   "generate [merchant-id]",
		Short: "Request agreement generation and move the merchant to signing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Orchestrator.RequestAgreementGeneration(cmd.Context(), preSigned); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&preSigned, "pre-signed", false, "Record the platform signature up front")
	return cmd
}

func signCmd(a *app) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "sign [merchant-id]",
		Short: "Fetch a signature request and open the signing url",
		Long: "Fetch a signature request and open the signing url. With --confirm the\n" +
			"merchant signature is reported as completed, which moves the merchant to\n" +
			"signing and arms its channel for the countersignature.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Orchestrator.Initiate(cmd.Context(), true); err != nil {
				return err
			}
			if err := s.Orchestrator.OpenSigning(cmd.Context()); err != nil {
				return err
			}
			sig, _ := s.Orchestrator.Signature()
			fmt.Fprintf(cmd.OutOrStdout(), "signature %s: %s\n", sig.SignatureID, sig.SignURL)
			if !confirm {
				return nil
			}

			if err := s.Provider.Complete(); err != nil {
				return err
			}
			select {
			case ev := <-s.Provider.Signed():
				s.Orchestrator.HandleSigned(cmd.Context(), ev)
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
			printStatus(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Report the merchant signature as completed")
	return cmd
}

func downloadCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download [merchant-id]",
		Short: "Download the agreement document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Orchestrator.FetchAgreement(cmd.Context()); err != nil {
				return err
			}
			doc, body, err := s.Orchestrator.DownloadAgreement(cmd.Context())
			if err != nil {
				return err
			}
			if output == "" {
				output = doc.FileName()
			}
			if err := os.WriteFile(output, body, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", output, len(body))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (defaults to the document name)")
	return cmd
}

func watchCmd(a *app) *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "watch [merchant-id]",
		Short: "Follow provider events for a merchant until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := loadSession(ctx, a, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()

			if err := s.Orchestrator.Initiate(ctx, ready); err != nil {
				return err
			}
			if !s.Listener.Active(args[0]) {
				a.logger.Info("merchant not signing yet, channel armed once signing starts",
					zap.String("merchant_id", args[0]),
					zap.String("status", s.Machine.Status().String()),
				)
			}

			err = <-done
			printStatus(cmd.OutOrStdout(), s)
			return err
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", true, "Treat onboarding as ready for signing")
	return cmd
}

func tokenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "token [merchant-id]",
		Short: "Issue a channel subscription token for a merchant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := a.tokens()
			if err != nil {
				return err
			}
			token, err := tokens.Issue(args[0], events.Topic(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func publishCmd(a *app) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "publish [merchant-id] [code]",
		Short: "Ingest a provider event as if delivered by the webhook",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if events.KindOf(args[1]) == events.KindUnknown {
				return fmt.Errorf("unknown provider code %q (known: %v)", args[1], knownCodes())
			}
			pool, err := a.db(cmd.Context())
			if err != nil {
				return err
			}
			if key == "" {
				key = uuid.NewString()
			}
			hook := merchantapi.NewWebhook(pool, nil, a.logger)
			return hook.HandleProviderEvent(cmd.Context(), merchantapi.ProviderEvent{
				IdempotencyKey: key,
				MerchantID:     args[0],
				Code:           args[1],
				OccurredAt:     time.Now(),
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Idempotency key (random when empty)")
	return cmd
}

func loadSession(ctx context.Context, a *app, merchantID string) (*onboarding.Session, error) {
	s, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Orchestrator.Load(ctx, merchantID); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func printStatus(w io.Writer, s *onboarding.Session) {
	snap := s.Machine.Snapshot()
	doc := s.Orchestrator.AgreementDocument()

	fmt.Fprintf(w, "merchant:        %s\n", snap.Merchant.ID)
	fmt.Fprintf(w, "status:          %s (%s)\n", snap.Merchant.Status, snap.Label)
	fmt.Fprintf(w, "signing path:    %s\n", s.Orchestrator.SigningPath())
	fmt.Fprintf(w, "signed:          merchant=%t platform=%t\n", s.Machine.IsSignedByMerchant(), s.Machine.IsSignedByPlatform())
	fmt.Fprintf(w, "steps complete:  %t (%d recorded)\n", snap.IsOnboardingStepsComplete, snap.OnboardingCompleteStepsCount)
	fmt.Fprintf(w, "has projects:    %t\n", snap.HasProjects)
	fmt.Fprintf(w, "onboarded:       %t\n", snap.IsOnboardingComplete)
	if doc.IsSentinel() {
		fmt.Fprintln(w, "agreement:       not available")
	} else {
		fmt.Fprintf(w, "agreement:       %s (%d bytes) %s\n", doc.FileName(), doc.Metadata.Size, doc.URL)
	}
}

func knownCodes() []string {
	codes := []string{
		events.CodeSigningFailed,
		events.CodeSignerDeclined,
		events.CodePlatformSignerDeclined,
		events.CodeMerchantSigned,
		events.CodePlatformSigned,
	}
	sort.Strings(codes)
	return codes
}
