package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/marchage/EncryptedAlbum-sub005/container"
	"github.com/marchage/EncryptedAlbum-sub005/internal/erase"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new vault protected by a password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			needs, err := v.NeedsSetup()
			if err != nil {
				return err
			}
			if !needs {
				return userError{msg: "vault already initialised in " + v.Paths().Dir}
			}

			pw, err := a.prompt.newPassword("New password: ")
			if err != nil {
				return err
			}
			if err := v.Setup(cmd.Context(), pw); err != nil {
				return err
			}
			a.success(cmd, "vault created in %s", v.Paths().Dir)
			return nil
		},
	}
}

func newUnlockCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Check the password and report vault state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			sess, err := a.unlock(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer sess.Lock()

			items, err := v.List(cmd.Context())
			if err != nil {
				return err
			}
			a.success(cmd, "unlocked: %d item(s)", len(items))

			rs, err := v.PendingRotation(sess)
			if err != nil {
				return err
			}
			if rs.Pending {
				fmt.Fprintf(cmd.OutOrStdout(), "%s interrupted password change (%s, %d/%d files); run %s\n",
					color.YellowString("!"), rs.State, rs.Processed, rs.Total, color.YellowString("album recover resume"))
			}
			return nil
		},
	}
	addBioFlag(cmd, a)
	return cmd
}

func newHideCmd(a *app) *cobra.Command {
	var mediaType string

	cmd := &cobra.Command{
		Use:   "hide <file>...",
		Short: "Encrypt files into the vault",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mt, err := container.ParseMediaType(mediaType)
			if err != nil {
				return userError{msg: err.Error()}
			}

			v, err := a.openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			sess, err := a.unlock(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer sess.Lock()

			for _, src := range args {
				item, err := v.Hide(cmd.Context(), sess, src, mt)
				if err != nil {
					return err
				}
				a.success(cmd, "%s hidden as %s (%s)", filepath.Base(src), item.ID, humanize.IBytes(uint64(item.OriginalSize)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&mediaType, "type", "t", "photo", "media type: photo, video, livephoto or unknown")
	addBioFlag(cmd, a)
	return cmd
}

func newViewCmd(a *app) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "view <id>",
		Short: "Decrypt an item to stdout or a file, leaving it hidden",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			sess, err := a.unlock(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer sess.Lock()

			if outPath == "" {
				return v.View(cmd.Context(), sess, args[0], cmd.OutOrStdout())
			}

			f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			if err := v.View(cmd.Context(), sess, args[0], f); err != nil {
				f.Close()
				os.Remove(outPath)
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to this file instead of stdout")
	addBioFlag(cmd, a)
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <id> <destination>",
		Short: "Decrypt an item back to a file and remove it from the vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			sess, err := a.unlock(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer sess.Lock()

			if err := v.Restore(cmd.Context(), sess, args[0], args[1]); err != nil {
				return err
			}
			a.success(cmd, "restored %s to %s", args[0], args[1])
			return nil
		},
	}
	addBioFlag(cmd, a)
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Securely erase items from the vault",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			sess, err := a.unlock(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer sess.Lock()

			for _, id := range args {
				rep, err := v.Delete(cmd.Context(), sess, id)
				if err != nil {
					return err
				}
				if rep.Overwritten {
					a.success(cmd, "%s erased (%d passes over %s)", id, rep.Passes, humanize.IBytes(uint64(rep.Size)))
				} else {
					a.success(cmd, "%s removed without overwrite", id)
				}
			}
			a.log.Infof("%s", erase.Limitation)
			return nil
		},
	}
	addBioFlag(cmd, a)
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var names bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List hidden items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			items, err := v.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "vault is empty")
				return nil
			}

			nameOf := func(int) string { return "" }
			if names {
				sess, err := a.unlock(cmd.Context(), v)
				if err != nil {
					return err
				}
				defer sess.Lock()
				nameOf = func(i int) string {
					n, err := v.ItemName(cmd.Context(), sess, items[i].ID)
					if err != nil {
						a.log.Warnf("cannot open name of %s: %v", items[i].ID, err)
						return "?"
					}
					return n
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSIZE\tADDED\tNAME")
			for i, it := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.ID, it.MediaType, humanize.IBytes(uint64(it.OriginalSize)), it.CreatedAt, nameOf(i))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&names, "names", "n", false, "unlock and show original filenames")
	addBioFlag(cmd, a)
	return cmd
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <id>",
		Short: "Check an item's container framing without decrypting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			info, err := v.Stat(cmd.Context(), args[0])
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version:    %d\n", info.Header.Version)
			fmt.Fprintf(out, "media type: %s\n", info.Header.MediaType)
			fmt.Fprintf(out, "chunk size: %s\n", humanize.IBytes(uint64(info.Header.ChunkSize)))
			fmt.Fprintf(out, "size:       %s\n", humanize.IBytes(info.Header.OriginalSize))
			fmt.Fprintf(out, "chunks:     %d of %d\n", info.DataChunks, info.Header.ChunkCount())
			if err != nil {
				return err
			}
			a.success(cmd, "container framing is complete")
			return nil
		},
	}
}
