package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/marchage/EncryptedAlbum-sub005/internal/bio/toggle"
	"github.com/marchage/EncryptedAlbum-sub005/internal/keystore"
)

func newPasswdCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the password and re-encrypt every item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			oldPw, err := a.prompt.password("Current password: ")
			if err != nil {
				return fmt.Errorf("read current password: %w", err)
			}
			sess, err := v.Unlock(cmd.Context(), oldPw)
			if err != nil {
				return err
			}
			defer sess.Lock()

			newPw, err := a.prompt.newPassword("New password: ")
			if err != nil {
				return err
			}
			if err := v.ChangePassword(cmd.Context(), sess, oldPw, newPw); err != nil {
				return err
			}
			a.success(cmd, "password changed")
			return nil
		},
	}
}

func newRecoverCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Inspect, resume or roll back an interrupted password change",
		Long: `An interrupted password change leaves some items under the old key and
some under the new one. All three subcommands take the OLD password.`,
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the interrupted password change, if any",
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

			rs, err := v.PendingRotation(sess)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !rs.Pending {
				fmt.Fprintln(out, "no interrupted password change")
				return nil
			}
			fmt.Fprintf(out, "state:     %s\n", rs.State)
			fmt.Fprintf(out, "progress:  %d of %d item(s) re-encrypted\n", rs.Processed, rs.Total)
			fmt.Fprintf(out, "started:   %s\n", rs.Journal.StartedAt)
			if rs.Failure != "" {
				fmt.Fprintf(out, "failure:   %s\n", color.RedString(rs.Failure))
			}
			fmt.Fprintf(out, "run %s to finish or %s to undo\n",
				color.YellowString("album recover resume"), color.YellowString("album recover discard"))
			return nil
		},
	}

	resume := &cobra.Command{
		Use:   "resume",
		Short: "Finish the interrupted password change",
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

			if err := v.ResumeRotation(cmd.Context(), sess); err != nil {
				return err
			}
			a.success(cmd, "password change completed; use the new password from now on")
			return nil
		},
	}

	discard := &cobra.Command{
		Use:   "discard",
		Short: "Roll the interrupted password change back to the old password",
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

			if err := v.DiscardRotation(cmd.Context(), sess); err != nil {
				return err
			}
			a.success(cmd, "password change rolled back; the old password stays in use")
			return nil
		},
	}

	cmd.AddCommand(status, resume, discard)
	return cmd
}

func newBioCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bio",
		Short: "Manage biometric unlock (macOS Touch ID)",
	}

	enable := &cobra.Command{
		Use:   "enable",
		Short: "Keep the vault key in the keychain behind Touch ID",
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

			if err := v.EnableBiometricUnlock(sess); err != nil {
				if unsupported(err) {
					return userError{msg: "biometric unlock is only supported on macOS"}
				}
				return err
			}
			a.success(cmd, "biometric unlock enabled for %s", v.Paths().Dir)
			return nil
		},
	}

	disable := &cobra.Command{
		Use:   "disable",
		Short: "Remove the vault key from the keychain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			if err := v.DisableBiometricUnlock(); err != nil {
				return err
			}
			a.success(cmd, "biometric unlock disabled for %s", v.Paths().Dir)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether biometric unlock is enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			st, err := v.BiometricStatus()
			if err != nil && !unsupported(err) {
				return err
			}
			if !st.Enabled {
				fmt.Fprintln(cmd.OutOrStdout(), "biometric unlock: disabled")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "biometric unlock: enabled since %s\n", st.EnabledAt.Format("2006-01-02 15:04"))
			return nil
		},
	}

	cmd.AddCommand(enable, disable, status)
	return cmd
}

func unsupported(err error) bool {
	return errors.Is(err, toggle.ErrUnsupported) || errors.Is(err, keystore.ErrUnsupported)
}
