package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	putFile string
	putType string
)

func init() {
	putCmd.Flags().StringVarP(&putFile, "file", "f", "-", "read content from this file (- for stdin)")
	putCmd.Flags().StringVar(&putType, "type", "file", "file type tag")
	rootCmd.AddCommand(getCmd, putCmd, rmCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <project-id> <path>",
	Short: "Print a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, ok, err := newClient(newLogger()).GetFile(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: not found", args[1])
		}
		_, err = io.WriteString(os.Stdout, f.Content)
		return err
	},
}

var putCmd = &cobra.Command{
	Use:   "put <project-id> <path>",
	Short: "Write a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if putFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(putFile)
		}
		if err != nil {
			return fmt.Errorf("read content: %w", err)
		}
		return newClient(newLogger()).SetFile(cmd.Context(), args[0], args[1], string(data), putType)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <project-id> <path>",
	Short: "Delete a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient(newLogger()).DeleteFile(cmd.Context(), args[0], args[1])
	},
}
