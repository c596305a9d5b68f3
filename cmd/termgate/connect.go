package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"termgate/internal/elevation"
	"termgate/internal/frame"
	"termgate/internal/session"
	"termgate/internal/termui"
	"termgate/internal/transport"
)

const maxElevationAttempts = 3

var errElevationFailed = errors.New("break-glass authentication failed")

func newConnectCmd(c *cli) *cobra.Command {
	var full bool
	var mode string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a terminal session",
		Long: `Open a terminal session through the gateway.

Inside the session, Ctrl+] q disconnects and Ctrl+] e ends break-glass
elevation early.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := frame.Mode(c.cfg.Terminal.Mode)
			if cmd.Flags().Changed("mode") {
				m = frame.Mode(mode)
			}
			if full {
				m = frame.ModeFull
			}
			if !m.Valid() {
				return fmt.Errorf("unknown mode %q", m)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.connect(ctx, m)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "request a full shell (break-glass)")
	cmd.Flags().StringVar(&mode, "mode", "", "session mode: restricted or full")
	return cmd
}

func (c *cli) connect(ctx context.Context, mode frame.Mode) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ui := termui.New(c.stdin, c.stdout)
	defer ui.Restore()
	status := termui.NewStatus(ui, nil)

	broker := elevation.NewBroker(elevation.Options{
		APIURL:      c.cfg.Gateway.APIURL,
		AccessToken: c.cfg.Auth.Token,
		DefaultTTL:  c.cfg.Elevation.DefaultTTL,
		EndTimeout:  c.cfg.Elevation.EndTimeout,
	})
	broker.SetLogger(c.logger)
	defer broker.Wait()
	defer broker.EndGrant(elevation.ReasonUser)

	size := frame.Size{Cols: 80, Rows: 24}
	if cols, rows, err := ui.Size(); err == nil {
		size = frame.Size{Cols: cols, Rows: rows}
	}

	changes := make(chan session.StateChange, 16)
	ctrl := session.NewController(session.Options{
		URL:         c.cfg.Gateway.WSURL,
		AccessToken: c.cfg.Auth.Token,
		Dialer: &transport.WebsocketDialer{
			HandshakeTimeout: c.cfg.Terminal.HandshakeTimeout,
			ReadLimit:        1 << 20,
		},
		Broker:           broker,
		Output:           ui,
		HandshakeTimeout: c.cfg.Terminal.HandshakeTimeout,
		MaxMessageSize:   c.cfg.Terminal.MaxMessageSize,
		Size:             size,
		OnStateChange: func(sc session.StateChange) {
			select {
			case changes <- sc:
			case <-ctx.Done():
			}
		},
		OnCountdown: status.Countdown,
	})
	ctrl.SetLogger(c.logger)
	defer ctrl.Close()

	ui.WatchResize(ctx, func(cols, rows int) {
		if err := ctrl.Resize(cols, rows); err != nil {
			c.logger.Debug().Err(err).Msg("resize not sent")
		}
	})

	if err := ctrl.Connect(mode); err != nil {
		return err
	}

	pumpDone := make(chan error, 1)
	pumping := false
	for {
		select {
		case <-ctx.Done():
			ctrl.Disconnect()
			return nil
		case err := <-pumpDone:
			ctrl.Disconnect()
			ui.Restore()
			status.StateChanged(session.StateChange{To: session.Disconnected})
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, session.ErrNotConnected) {
				return err
			}
			return nil
		case sc := <-changes:
			c.logger.Debug().Str("transition", sc.String()).Msg("session state changed")
			switch sc.To {
			case session.Connected:
				status.StateChanged(sc)
				status.AllowedCommands(ctrl.AllowedCommands())
				if err := ui.MakeRaw(); err != nil {
					c.logger.Warn().Err(err).Msg("input is not a terminal; line mode only")
				}
				if !pumping {
					pumping = true
					go func() {
						pumpDone <- ui.Pump(ctx, ctrl.Input, func() { broker.EndGrant(elevation.ReasonUser) })
					}()
				}
			case session.RequiresElevation:
				ui.Restore()
				status.StateChanged(sc)
				if err := c.elevate(ctx, ctrl, ui); err != nil {
					return err
				}
			case session.Disconnected:
				ui.Restore()
				status.StateChanged(sc)
				if errors.Is(sc.Err, session.ErrElevationEnded) {
					return nil
				}
				return sc.Err
			default:
				status.StateChanged(sc)
			}
		}
	}
}

// elevate prompts until a grant is obtained, the user declines (falling back
// to restricted mode) or the attempts run out.
func (c *cli) elevate(ctx context.Context, ctrl *session.Controller, ui *termui.Terminal) error {
	reason := "Full shell access requires break-glass authentication."
	for attempt := 0; attempt < maxElevationAttempts; attempt++ {
		password, code, err := ui.PromptCredentials(reason)
		if err != nil {
			_ = ctrl.CancelElevation()
			return err
		}
		if password == "" {
			return ctrl.Fallback()
		}
		err = ctrl.Elevate(ctx, password, code)
		switch {
		case err == nil:
			return nil
		case elevation.IsAuthError(err, elevation.TOTPRequired):
			reason = "A TOTP code is required."
		case elevation.IsAuthError(err, elevation.TOTPInvalid):
			reason = "Invalid TOTP code."
		case elevation.IsAuthError(err, elevation.InvalidCredentials):
			reason = "Invalid credentials."
		default:
			_ = ctrl.CancelElevation()
			return err
		}
		c.logger.Info().Int("attempt", attempt+1).Msg("break-glass authentication rejected")
	}
	_ = ctrl.CancelElevation()
	return errElevationFailed
}
