package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/marchage/EncryptedAlbum-sub005/internal/config"
	"github.com/marchage/EncryptedAlbum-sub005/internal/logging"
	"github.com/marchage/EncryptedAlbum-sub005/internal/rotation"
	"github.com/marchage/EncryptedAlbum-sub005/internal/service"
	"github.com/marchage/EncryptedAlbum-sub005/internal/vaulterr"
)

const cliVersion = "0.2.0"

type userError struct {
	msg string
}

func (e userError) Error() string { return e.msg }

// app carries the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	vaultDir   string
	verbose    bool
	debug      bool
	useBio     bool

	log    *logging.Logger
	prompt *prompter
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(handleError(os.Stderr, err))
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "album",
		Short: "Encrypted photo and video album",
		Long: `album hides photos and videos in an encrypted vault directory.

Every file is sealed in its own chunked AES-GCM container under a key derived
from your password. Changing the password re-encrypts the whole vault and can
be resumed or rolled back if it is interrupted.`,
		Version:       cliVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.log = &logging.Logger{
				Verbose: a.verbose,
				Debug:   a.debug,
				Out:     cmd.ErrOrStderr(),
				Err:     cmd.ErrOrStderr(),
			}
			a.prompt = newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
			a.log.Debugf("album %s, config=%q vault-dir=%q", cliVersion, a.configPath, a.vaultDir)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to album.yaml")
	root.PersistentFlags().StringVar(&a.vaultDir, "vault-dir", "", "vault directory (overrides config and ALBUM_VAULT_DIR)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().BoolVarP(&a.debug, "debug", "d", false, "enable debug output")

	root.AddCommand(
		newInitCmd(a),
		newUnlockCmd(a),
		newHideCmd(a),
		newViewCmd(a),
		newRestoreCmd(a),
		newDeleteCmd(a),
		newListCmd(a),
		newInspectCmd(a),
		newPasswdCmd(a),
		newRecoverCmd(a),
		newBioCmd(a),
	)
	return root
}

// handleError prints err for the user and returns the exit code.
func handleError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}

	var uerr userError
	if errors.As(err, &uerr) {
		fmt.Fprintln(w, color.RedString("✗ ")+uerr.Error())
		return 1
	}
	if msg, ok := describe(err); ok {
		fmt.Fprintln(w, color.RedString("✗ ")+msg)
		return 1
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(w, color.YellowString("interrupted"))
		return 130
	}

	fmt.Fprintf(w, "unexpected error: %v\n", err)
	return 2
}

// describe maps the errors a user can act on to a message.
func describe(err error) (string, bool) {
	switch {
	case errors.Is(err, service.ErrVaultWiped):
		return "too many failed attempts: the vault has been erased", true
	case errors.Is(err, vaulterr.ErrInvalidPassword):
		return "incorrect password", true
	case errors.Is(err, vaulterr.ErrPasswordTooShort):
		return err.Error(), true
	case errors.Is(err, vaulterr.ErrVaultNotInitialized):
		return "vault is not set up; run " + color.YellowString("album init") + " first", true
	case errors.Is(err, vaulterr.ErrOperationDeniedByLockdown):
		return "vault is in lockdown", true
	case errors.Is(err, rotation.ErrRotationPending):
		return "a password change was interrupted; run " + color.YellowString("album recover status"), true
	case errors.Is(err, rotation.ErrNoRotation):
		return "no interrupted password change found", true
	case errors.Is(err, vaulterr.ErrHMACVerificationFailed):
		return "integrity check failed: " + err.Error(), true
	case errors.Is(err, vaulterr.ErrDecryptionFailed), errors.Is(err, vaulterr.ErrInvalidFileFormat):
		return "container is damaged: " + err.Error(), true
	}
	return "", false
}

// openVault loads configuration and opens the vault it names.
func (a *app) openVault() (*service.Vault, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, userError{msg: err.Error()}
	}
	if a.vaultDir != "" {
		cfg.VaultDir = a.vaultDir
	}
	a.log.Debugf("vault directory: %s", cfg.VaultDir)

	v, err := service.New(cfg, service.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return v, nil
}

// unlock opens a session with biometrics when --bio is set, otherwise with
// a password prompt.
func (a *app) unlock(ctx context.Context, v *service.Vault) (*service.Session, error) {
	if a.useBio {
		return v.UnlockWithBiometrics(ctx, "unlock your album")
	}
	pw, err := a.prompt.password("Password: ")
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return v.Unlock(ctx, pw)
}

func (a *app) success(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), color.GreenString("✓ ")+format+"\n", args...)
}

func addBioFlag(cmd *cobra.Command, a *app) {
	cmd.Flags().BoolVar(&a.useBio, "bio", false, "unlock with biometrics instead of the password")
}
