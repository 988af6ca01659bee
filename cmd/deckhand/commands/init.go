package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
)

const defaultSettings = `# Deckhand settings. Every key can be overridden with DECKHAND_<SECTION>_<KEY>.

engine:
  max_parallel: 10
  work_dir: %[1]s
  rollback_timeout: 2h

steps:
  template_root: %[2]s
  kubeconfig: %[3]s
  render_dir: rendered

journal:
  enabled: true
  path: %[4]s

policy:
  enabled: true
  dir: %[5]s

telemetry:
  logging:
    level: info
    format: console
  metrics:
    enabled: false
    listen_address: ":9090"

# account:
#   provider: aws
#   region: eu-west-1

remote:
  enabled: false
  ssh:
    private_key_path: %[6]s
`

func newInitCommand(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a deckhand workspace",
		Long: `Initialize a workspace with a settings file, the transaction journal,
template and policy directories, and an SSH key for on-premise bastions.`,
		Example: `  # Initialize the current directory
  deckhand init

  # Initialize another directory and overwrite its settings
  deckhand init ./ops --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			if opts.workDir != "" {
				dir = opts.workDir
			}

			log.Info().Str("dir", dir).Bool("force", force).Msg("Initializing workspace")
			return initWorkspace(cmd, opts, dir, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")
	return cmd
}

func initWorkspace(cmd *cobra.Command, opts *globalOptions, dir string, force bool) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initializing deckhand workspace in %s\n\n", dir)

	var (
		templates = filepath.Join(dir, "templates")
		policies  = filepath.Join(dir, "policies")
		keys      = filepath.Join(dir, "keys")
		dbPath    = filepath.Join(dir, "deckhand.db")
		keyPath   = filepath.Join(keys, "bastion-ed25519")
	)

	for _, d := range []string{dir, templates, policies, filepath.Join(dir, "rendered"), keys} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
		fmt.Fprintf(out, "✓ Created directory: %s\n", d)
	}

	store, err := openStore(cmd.Context(), dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize journal: %w", err)
	}
	if err := store.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Initialized journal: %s\n", dbPath)

	settingsPath := opts.configPath
	if settingsPath == "" {
		settingsPath = filepath.Join(dir, "deckhand.settings.yaml")
	}
	content := fmt.Sprintf(defaultSettings, dir, templates, filepath.Join(dir, "kubeconfig"), dbPath, policies, keyPath)
	if err := writeFile(settingsPath, []byte(content), 0o644, force); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
		fmt.Fprintf(out, "✓ Settings file already exists: %s\n", settingsPath)
	} else {
		fmt.Fprintf(out, "✓ Created settings file: %s\n", settingsPath)
	}

	if _, err := os.Stat(keyPath); errors.Is(err, fs.ErrNotExist) {
		if err := generateKeypair(keyPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Generated SSH keypair: %s\n", keyPath)
	} else {
		fmt.Fprintf(out, "✓ SSH keypair already exists: %s\n", keyPath)
	}

	printNextSteps(out, settingsPath)
	return nil
}

// writeFile writes data unless path exists and force is unset, in which case
// it returns an error matching fs.ErrExist.
func writeFile(path string, data []byte, perm os.FileMode, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func generateKeypair(keyPath string) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := sshpkg.MarshalPrivateKey(privKey, "deckhand")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

func printNextSteps(w io.Writer, settingsPath string) {
	fmt.Fprintf(w, "\n✅ Workspace initialized\n\n")
	fmt.Fprintf(w, "Next steps:\n")
	fmt.Fprintf(w, "  1. Add terraform modules under templates/<provider>/\n\n")
	fmt.Fprintf(w, "  2. Validate a descriptor:\n")
	fmt.Fprintf(w, "     deckhand validate cluster.yaml\n\n")
	fmt.Fprintf(w, "  3. Preview the cluster:\n")
	fmt.Fprintf(w, "     deckhand -c %s cluster create -f cluster.yaml --dry-run\n\n", settingsPath)
}
