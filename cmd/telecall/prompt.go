package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/telecall/internal/call"
	"github.com/1ureka/telecall/internal/util"
)

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

const (
	optCall    = "Call someone"
	optAccept  = "Accept incoming call"
	optReject  = "Reject incoming call"
	optEnd     = "Hang up"
	optMute    = "Toggle microphone"
	optSpeaker = "Toggle speaker"
	optCamera  = "Toggle camera"
	optHistory = "Show call history"
)

// prompt loops on an action menu until ctx ends. The options offered depend
// on the current call state.
func prompt(ctx context.Context, mgr *call.Manager) {
	for ctx.Err() == nil {
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions(options(mgr)).
			WithDefaultText("Select an action").
			Show()
		if err != nil || ctx.Err() != nil {
			return
		}
		pterm.Println()

		if err := act(ctx, mgr, choice); err != nil {
			util.LogWarning("%v", err)
		}
		pterm.Println()
	}
}

func options(mgr *call.Manager) []string {
	s, ok := mgr.Current()
	if !ok {
		return []string{optCall, optHistory}
	}
	snap := s.Snapshot()
	if snap.Role == call.RoleReceiver && snap.State == call.StateRinging {
		return []string{optAccept, optReject}
	}
	return []string{optEnd, optMute, optSpeaker, optCamera}
}

func act(ctx context.Context, mgr *call.Manager, choice string) error {
	switch choice {
	case optCall:
		peer, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Party id to call").Show()
		peer = strings.TrimSpace(peer)
		if peer == "" {
			return errors.New("no party id entered")
		}
		video, _ := pterm.DefaultInteractiveConfirm.WithDefaultText("Video call?").Show()
		if _, err := mgr.StartCall(ctx, peer, video); err != nil {
			return fmt.Errorf("call %s: %w", peer, err)
		}
	case optAccept:
		return mgr.Accept(ctx)
	case optReject:
		return mgr.Reject()
	case optEnd:
		return mgr.End()
	case optMute:
		muted, err := mgr.ToggleMute()
		if err == nil {
			util.LogInfo("microphone muted: %v", muted)
		}
		return err
	case optSpeaker:
		on, err := mgr.ToggleSpeaker()
		if err == nil {
			util.LogInfo("speaker on: %v", on)
		}
		return err
	case optCamera:
		off, err := mgr.ToggleCamera()
		if err == nil {
			util.LogInfo("camera off: %v", off)
		}
		return err
	case optHistory:
		return showHistory(ctx, mgr)
	}
	return nil
}

func showHistory(ctx context.Context, mgr *call.Manager) error {
	recs, err := mgr.History(ctx, 10)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		util.LogInfo("no calls yet")
		return nil
	}
	rows := pterm.TableData{{"Started", "Caller", "Receiver", "Type", "Status", "Seconds"}}
	for _, r := range recs {
		secs := "-"
		if r.DurationSeconds != nil {
			secs = fmt.Sprint(*r.DurationSeconds)
		}
		rows = append(rows, []string{
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.CallerID, r.ReceiverID, string(r.Type), string(r.Status), secs,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

// printEvents logs every call state change until ctx ends.
func printEvents(ctx context.Context, mgr *call.Manager) {
	sub := mgr.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			name := ev.PeerName
			if name == "" {
				name = ev.PeerID
			}
			switch ev.State {
			case call.StateActive:
				util.LogSuccess("[%s] connected with %s", util.ShortID(ev.CallID), name)
			case call.StateEnded, call.StateFailed:
				util.LogInfo("[%s] %s (%s) after %ds", util.ShortID(ev.CallID), ev.Status, ev.Reason, ev.DurationSeconds)
			default:
				util.LogDebug("[%s] %s with %s", util.ShortID(ev.CallID), ev.State, name)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a relay URL and pins its path to /ws.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
