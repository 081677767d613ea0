//go:build !windows

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newCallCmd(f *rootFlags) *cobra.Command {
	var method, params string
	cmd := &cobra.Command{
		Use:   "call --method M [--params JSON] -- command [args...]",
		Short: "Send one request and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			t, err := f.connect(cmd, args)
			if err != nil {
				return err
			}
			defer disconnect(t)

			result, err := t.SendRequest(cmd.Context(), method, p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", "", "method name")
	cmd.Flags().StringVarP(&params, "params", "p", "", "params as JSON")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

func newNotifyCmd(f *rootFlags) *cobra.Command {
	var method, params string
	cmd := &cobra.Command{
		Use:   "notify --method M [--params JSON] -- command [args...]",
		Short: "Send one notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			t, err := f.connect(cmd, args)
			if err != nil {
				return err
			}
			defer disconnect(t)

			if err := t.SendNotification(cmd.Context(), method, p); err != nil {
				return err
			}
			okColor.Fprintln(cmd.ErrOrStderr(), "sent")
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", "", "method name")
	cmd.Flags().StringVarP(&params, "params", "p", "", "params as JSON")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

// parseParams validates s as JSON. Empty means no params.
func parseParams(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("params are not valid JSON: %s", s)
	}
	return json.RawMessage(s), nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
