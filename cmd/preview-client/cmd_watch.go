package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/previewfs/pkg/client"
	"github.com/fruitsalade/previewfs/pkg/protocol"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [project-id]",
	Short: "Print change notifications until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	c := newClient(logger)
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("server %s unreachable: %w", c.BaseURL(), err)
	}
	session, err := client.NewSession(c, client.SessionConfig{
		OnMessage: printMessage,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if len(args) == 1 {
		if err := session.SetProject(args[0]); err != nil {
			return err
		}
	}
	if err := session.Connect(ctx); err != nil {
		return err
	}
	defer session.Dispose()

	<-ctx.Done()
	return nil
}

func printMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeFileChanged:
		var d protocol.FileChangedData
		if protocol.DecodeData(msg, &d) == nil {
			fmt.Printf("changed  %s/%s (%d bytes)\n", d.ProjectID, d.Path, len(d.Content))
		}
	case protocol.TypeFileDeleted:
		var d protocol.FileDeletedData
		if protocol.DecodeData(msg, &d) == nil {
			fmt.Printf("deleted  %s/%s\n", d.ProjectID, d.Path)
		}
	case protocol.TypeProjectDeleted:
		var d protocol.ProjectDeletedData
		if protocol.DecodeData(msg, &d) == nil {
			fmt.Printf("project deleted  %s\n", d.ProjectID)
		}
	case protocol.TypeProjectList:
		var d protocol.ProjectListData
		if protocol.DecodeData(msg, &d) == nil {
			fmt.Printf("%d projects\n", len(d.Projects))
		}
	case protocol.TypeProjectFiles:
		var d protocol.ProjectFilesData
		if protocol.DecodeData(msg, &d) == nil {
			fmt.Printf("project %s: %d files\n", d.ProjectID, len(d.Files))
		}
	}
}
