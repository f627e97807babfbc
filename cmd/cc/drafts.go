package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"commandcenter/internal/app"
	"commandcenter/internal/domain"
	"commandcenter/internal/draft"
	"commandcenter/internal/engine"
	"commandcenter/internal/feedback"
	"commandcenter/internal/interpret"
	"commandcenter/internal/repo"
)

func draftCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "draft",
		Short: "Submit and decide drafts",
		Long:  "Drafts wait in PENDING_APPROVAL until you approve, modify or reject them, or until they expire. Open questions must be answered before approving.",
	}
	d.AddCommand(draftSubmitCmd())
	d.AddCommand(draftListCmd())
	d.AddCommand(draftShowCmd())
	d.AddCommand(draftAnswerCmd())
	d.AddCommand(draftApproveCmd())
	d.AddCommand(draftModifyCmd())
	d.AddCommand(draftRejectCmd())
	return d
}

func draftSubmitCmd() *cobra.Command {
	var files []string
	var transcription string
	cmd := &cobra.Command{
		Use:   "submit [text...]",
		Short: "Interpret input into a new draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			attachments, err := readAttachments(files)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Submit(ctx, engine.SubmitInput{
					UserID:             user,
					Text:               strings.Join(args, " "),
					Attachments:        attachments,
					VoiceTranscription: transcription,
				})
				if err != nil {
					return err
				}
				return printDraft(d, a.Engine.Now())
			})
		},
	}
	cmd.Flags().StringSliceVarP(&files, "attach", "a", nil, "photo or voice note to send (repeatable)")
	cmd.Flags().StringVar(&transcription, "voice-transcription", "", "already transcribed voice note")
	return cmd
}

func readAttachments(paths []string) ([]interpret.Attachment, error) {
	out := make([]interpret.Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(p)))
		if mt == "" {
			mt = http.DetectContentType(data)
		}
		if i := strings.Index(mt, ";"); i >= 0 {
			mt = mt[:i]
		}
		out = append(out, interpret.Attachment{Name: filepath.Base(p), MIMEType: mt, Data: data})
	}
	return out, nil
}

func draftListCmd() *cobra.Command {
	var status, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your drafts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.List(ctx, engine.ListOptions{
					UserID: user,
					Status: domain.DraftStatus(strings.ToUpper(status)),
					Limit:  limit,
					Cursor: cursor,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				now := a.Engine.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Summary", "Questions", "Expires"})
				for _, d := range res.Drafts {
					tw.AppendRow(table.Row{d.ID, d.Type, statusLabel(d, now), summary(d.Content), questionsLabel(d), d.ExpiresAt.Local().Format(time.DateTime)})
				}
				tw.Render()
				if res.NextCursor != "" {
					fmt.Printf("More: --cursor %s\n", res.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending_approval, approved, modified, rejected, expired)")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func draftShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <draft-id>",
		Short: "Show a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Get(ctx, args[0], user)
				if err != nil {
					return err
				}
				return printDraft(d, a.Engine.Now())
			})
		},
	}
}

func draftAnswerCmd() *cobra.Command {
	var questionID string
	cmd := &cobra.Command{
		Use:   "answer <draft-id> <answer...>",
		Short: "Answer the draft's current question",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Answer(ctx, engine.AnswerInput{
					DraftID:    args[0],
					UserID:     user,
					QuestionID: questionID,
					Value:      strings.Join(args[1:], " "),
				})
				if err != nil {
					return err
				}
				return printDraft(d, a.Engine.Now())
			})
		},
	}
	cmd.Flags().StringVar(&questionID, "question", "", "question id the answer is for (guards against answering twice)")
	return cmd
}

func draftApproveCmd() *cobra.Command {
	return actCmd("approve", "Create the item as drafted", engine.ActionApprove)
}

func draftRejectCmd() *cobra.Command {
	return actCmd("reject", "Drop the draft without creating anything", engine.ActionReject)
}

func actCmd(use, short string, action engine.Action) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <draft-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Act(ctx, engine.ActInput{DraftID: args[0], UserID: user, Action: action})
				if err != nil {
					return err
				}
				return printDraft(d, a.Engine.Now())
			})
		},
	}
}

func draftModifyCmd() *cobra.Command {
	var sets []string
	var contentJSON, typeName string
	cmd := &cobra.Command{
		Use:   "modify <draft-id>",
		Short: "Create the item from edited content",
		Long:  "Start from the draft's content and change fields with --set field=value, or replace it entirely with --content '{...}'. --type converts the draft first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				current, err := a.Engine.Get(ctx, args[0], user)
				if err != nil {
					return err
				}
				content, err := editedContent(current, typeName, contentJSON, sets)
				if err != nil {
					return err
				}
				d, err := a.Engine.Act(ctx, engine.ActInput{DraftID: args[0], UserID: user, Action: engine.ActionModify, Content: content})
				if err != nil {
					return err
				}
				return printDraft(d, a.Engine.Now())
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value to change (repeatable)")
	cmd.Flags().StringVar(&contentJSON, "content", "", "full content as JSON")
	cmd.Flags().StringVar(&typeName, "type", "", "draft type to convert to")
	return cmd
}

// editedContent copies the draft's content through the codec so edits never
// touch the loaded value.
func editedContent(d domain.PendingDraft, typeName, contentJSON string, sets []string) (draft.Content, error) {
	t := d.Type
	if typeName != "" {
		parsed, err := draft.ParseType(typeName)
		if err != nil {
			return nil, err
		}
		t = parsed
	}
	if contentJSON != "" {
		return draft.DecodeAs(t, []byte(contentJSON))
	}
	raw, err := draft.Encode(d.Content)
	if err != nil {
		return nil, err
	}
	content, err := draft.Decode(raw)
	if err != nil {
		return nil, err
	}
	if t != content.Type() {
		content, _, err = draft.Retype(content, t)
		if err != nil {
			return nil, err
		}
	}
	for _, s := range sets {
		field, value, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("--set %q: expected field=value", s)
		}
		if err := content.MergeAnswer(strings.TrimSpace(field), strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}
	return content, nil
}

func feedbackCmd() *cobra.Command {
	fb := &cobra.Command{
		Use:   "feedback",
		Short: "Inspect the decision log",
	}
	var modifications bool
	var action string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List feedback records, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				recs, err := a.Engine.ListFeedback(ctx, engine.FeedbackQuery{
					UserID:            user,
					ModificationsOnly: modifications,
					Action:            domain.FeedbackAction(strings.ToUpper(action)),
					Limit:             limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Recorded", "Draft", "Type", "Action", "Changes"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.CreatedAt.Local().Format(time.DateTime), r.DraftID, r.DraftType, r.Action, diffLabel(r.Diff)})
				}
				tw.Render()
				return nil
			})
		},
	}
	listCmd.Flags().BoolVar(&modifications, "modifications", false, "only show modified drafts")
	listCmd.Flags().StringVar(&action, "action", "", "approved, modified or rejected")
	listCmd.Flags().IntVar(&limit, "limit", 50, "max records")

	var out string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the feedback log to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				data, err := feedback.ExportXLSX(ctx, a.Engine.Repo, repo.FeedbackFilter{UserID: user}, a.Engine.Logger)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", out)
				return nil
			})
		},
	}
	exportCmd.Flags().StringVar(&out, "out", "feedback.xlsx", "output file")
	fb.AddCommand(listCmd, exportCmd)
	return fb
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	var name string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			secret, err := newAPIKeySecret()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					UserID:    user,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: repo.FormatTime(time.Now()),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "user_id": user, "key": secret})
				}
				fmt.Printf("Created key %s for %s\n%s\nStore it now; it is not shown again.\n", key.ID, user, secret)
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "label for the key")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the current user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one of the current user's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0], user)
			})
		},
	}
	keys.AddCommand(createCmd, listCmd, deleteCmd)
	return keys
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "cc_" + hex.EncodeToString(buf), nil
}

// --- rendering ---

func printDraft(d domain.PendingDraft, now time.Time) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(fmt.Sprintf("%s draft %s", d.Type, d.ID))
	tw.AppendRow(table.Row{"Status", statusLabel(d, now)})
	tw.AppendRow(table.Row{"Confidence", fmt.Sprintf("%.2f", d.Confidence)})
	if d.Reasoning != "" {
		tw.AppendRow(table.Row{"Reasoning", d.Reasoning})
	}
	values := draft.FieldValues(d.Content)
	fields := make([]string, 0, len(values))
	for k := range values {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	tw.AppendSeparator()
	for _, k := range fields {
		if values[k] == "" {
			continue
		}
		tw.AppendRow(table.Row{k, values[k]})
	}
	if len(d.Suggestions) > 0 {
		tw.AppendSeparator()
		tw.AppendRow(table.Row{"Suggestions", strings.Join(d.Suggestions, "\n")})
	}
	if d.CreatedEntityID != "" {
		tw.AppendRow(table.Row{"Created", d.CreatedEntityID})
	}
	tw.AppendRow(table.Row{"Expires", d.ExpiresAt.Local().Format(time.DateTime)})
	tw.Render()
	if q, ok := d.CurrentQuestion(); ok && d.Status == domain.StatusPendingApproval {
		fmt.Printf("\nQuestion %s (%d left): %s\n", q.ID, d.Flow.Remaining(), q.Prompt)
		if len(q.Options) > 0 {
			fmt.Printf("Options: %s\n", strings.Join(q.Options, ", "))
		}
		fmt.Printf("Answer with: cc draft answer %s <answer>\n", d.ID)
	}
	return nil
}

func statusLabel(d domain.PendingDraft, now time.Time) string {
	if d.Status == domain.StatusPendingApproval && d.IsExpired(now) {
		return string(d.Status) + " (expired)"
	}
	return string(d.Status)
}

func questionsLabel(d domain.PendingDraft) string {
	if d.Flow == nil || len(d.Flow.Questions) == 0 {
		return ""
	}
	return fmt.Sprintf("%d/%d", d.Flow.Cursor, len(d.Flow.Questions))
}

func summary(c draft.Content) string {
	req, err := c.CreationRequest()
	if err == nil {
		return req.Title
	}
	values := draft.FieldValues(c)
	for _, k := range []string{"title", "payee", "text", "body"} {
		if v := values[k]; v != "" {
			if len(v) > 40 {
				v = v[:40] + "..."
			}
			return v
		}
	}
	return ""
}

func diffLabel(diff map[string]domain.FieldChange) string {
	if len(diff) == 0 {
		return ""
	}
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %q -> %q", k, diff[k].From, diff[k].To))
	}
	return strings.Join(parts, "\n")
}
