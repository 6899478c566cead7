// Package main is the orkivactl operator CLI for thread interventions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/orkiva/orkiva/internal/common/database"
	"github.com/orkiva/orkiva/internal/common/ids"
	"github.com/orkiva/orkiva/internal/store"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

const defaultActor = "human_operator"

const usage = `orkivactl - operator interventions for Orkiva threads

Usage:
  orkivactl <command> [flags]

Commands:
  inspect-thread         Show a thread, its participants, triggers, and cursors
  escalate-thread        Move a thread to blocked and assign an escalation owner
  unblock-thread         Move a blocked thread back to active
  override-close-thread  Force-close a thread regardless of its current status

Flags:
  --thread-id <id>        Target thread (required)
  --reason <text>         Reason recorded in the audit trail (required for writes)
  --actor-agent-id <id>   Acting operator identity (default: human_operator)
  --limit-messages <n>    Messages shown by inspect-thread (default 20)
  --limit-triggers <n>    Trigger jobs shown by inspect-thread (default 20)
  --json                  Emit machine-readable output

Environment:
  DATABASE_URL   PostgreSQL connection string (required)
  WORKSPACE_ID   Workspace scope (required)
`

type cliArgs struct {
	command string
	flags   map[string]string
}

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "orkivactl: %v\n\n%s", err, usage)
		os.Exit(2)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	workspaceID := os.Getenv("WORKSPACE_ID")
	if databaseURL == "" || workspaceID == "" {
		fmt.Fprintln(os.Stderr, "orkivactl: DATABASE_URL and WORKSPACE_ID must be set")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewDB(ctx, databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orkivactl: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.NewPostgresStore(db)
	if err := run(ctx, st, workspaceID, args); err != nil {
		fmt.Fprintf(os.Stderr, "orkivactl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, st store.Store, workspaceID string, args *cliArgs) error {
	switch args.command {
	case "inspect-thread":
		return inspectThread(ctx, st, args)
	case "escalate-thread":
		return transitionThread(ctx, st, workspaceID, args, v1.ThreadStatusBlocked, false, "thread.escalated")
	case "unblock-thread":
		return transitionThread(ctx, st, workspaceID, args, v1.ThreadStatusActive, false, "thread.unblocked")
	case "override-close-thread":
		return transitionThread(ctx, st, workspaceID, args, v1.ThreadStatusClosed, true, "thread.override_closed")
	default:
		return fmt.Errorf("unknown command %q", args.command)
	}
}

// parseArgs accepts --key value and --key=value flags after the command.
func parseArgs(argv []string) (*cliArgs, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("a command is required")
	}
	args := &cliArgs{command: argv[0], flags: make(map[string]string)}
	rest := argv[1:]
	for i := 0; i < len(rest); i++ {
		arg := rest[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument %q", arg)
		}
		name := strings.TrimPrefix(arg, "--")
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			args.flags[name[:eq]] = name[eq+1:]
			continue
		}
		if i+1 < len(rest) && !strings.HasPrefix(rest[i+1], "--") {
			args.flags[name] = rest[i+1]
			i++
			continue
		}
		// Bare flag, e.g. --json.
		args.flags[name] = "true"
	}
	return args, nil
}

func (a *cliArgs) require(name string) (string, error) {
	value := a.flags[name]
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return value, nil
}

func (a *cliArgs) actor() string {
	if actor := a.flags["actor-agent-id"]; actor != "" {
		return actor
	}
	return defaultActor
}

func (a *cliArgs) jsonOutput() bool {
	return a.flags["json"] == "true"
}

func (a *cliArgs) limit(name string, fallback int) int {
	raw := a.flags[name]
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// inspectThread prints a thread with its participants, cursors, and triggers.
func inspectThread(ctx context.Context, st store.Store, args *cliArgs) error {
	threadID, err := args.require("thread-id")
	if err != nil {
		return err
	}

	thread, err := st.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	participants, err := st.ListParticipants(ctx, threadID)
	if err != nil {
		return err
	}
	latestSeq, err := st.LatestSeq(ctx, threadID)
	if err != nil {
		return err
	}
	messages, err := st.ListMessages(ctx, threadID, args.limit("limit-messages", 20))
	if err != nil {
		return err
	}
	triggers, err := st.ListTriggerJobsByThread(ctx, threadID, args.limit("limit-triggers", 20))
	if err != nil {
		return err
	}

	type cursorView struct {
		AgentID     string `json:"agent_id"`
		LastReadSeq int64  `json:"last_read_seq"`
		Unread      int64  `json:"unread"`
	}
	cursors := make([]cursorView, 0, len(participants))
	for _, agentID := range participants {
		var lastRead int64
		if cursor, err := st.GetCursor(ctx, threadID, agentID); err == nil && cursor != nil {
			lastRead = cursor.LastReadSeq
		}
		cursors = append(cursors, cursorView{
			AgentID:     agentID,
			LastReadSeq: lastRead,
			Unread:      latestSeq - lastRead,
		})
	}

	if args.jsonOutput() {
		return printJSON(map[string]interface{}{
			"thread":     thread,
			"latest_seq": latestSeq,
			"cursors":    cursors,
			"messages":   messages,
			"triggers":   triggers,
		})
	}

	fmt.Printf("Thread %s (%s)\n", thread.ID, thread.Status)
	fmt.Printf("  title:      %s\n", thread.Title)
	fmt.Printf("  workspace:  %s\n", thread.WorkspaceID)
	fmt.Printf("  latest seq: %d\n", latestSeq)
	if thread.EscalationOwner != nil {
		fmt.Printf("  escalation owner: %s\n", *thread.EscalationOwner)
	}
	fmt.Println("  participants:")
	for _, c := range cursors {
		fmt.Printf("    %-24s read %d/%d (%d unread)\n", c.AgentID, c.LastReadSeq, latestSeq, c.Unread)
	}
	if len(messages) > 0 {
		fmt.Println("  recent messages:")
		for _, msg := range messages {
			fmt.Printf("    #%d [%s] %s: %s\n", msg.Seq, msg.Kind, msg.SenderAgentID, msg.Body)
		}
	}
	if len(triggers) > 0 {
		fmt.Println("  triggers:")
		for _, job := range triggers {
			fmt.Printf("    %s %s -> %s (attempts %d/%d)\n",
				job.ID, job.TargetAgentID, job.Status, job.Attempts, job.MaxRetries)
		}
	}
	return nil
}

// transitionThread applies an operator transition and records an audit event.
func transitionThread(ctx context.Context, st store.Store, workspaceID string, args *cliArgs, next v1.ThreadStatus, force bool, eventType string) error {
	threadID, err := args.require("thread-id")
	if err != nil {
		return err
	}
	reason, err := args.require("reason")
	if err != nil {
		return err
	}
	actor := args.actor()

	var escalationOwner *string
	if next == v1.ThreadStatusBlocked {
		escalationOwner = &actor
	}

	thread, err := st.TransitionThread(ctx, threadID, next, escalationOwner, force)
	if err != nil {
		return err
	}

	audit := &v1.AuditEvent{
		ID:           ids.NewAuditID(),
		WorkspaceID:  workspaceID,
		ThreadID:     &threadID,
		ActorAgentID: actor,
		EventType:    eventType,
		Reason:       reason,
		Details:      map[string]interface{}{"new_status": string(next), "forced": force},
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.AppendAuditEvent(ctx, audit); err != nil {
		return fmt.Errorf("transition applied but audit write failed: %w", err)
	}

	if args.jsonOutput() {
		return printJSON(map[string]interface{}{"thread": thread, "audit_event": audit})
	}
	fmt.Printf("Thread %s is now %s (by %s: %s)\n", thread.ID, thread.Status, actor, reason)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
