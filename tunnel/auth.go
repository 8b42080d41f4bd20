package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// Prompter asks the user for a secret such as a password or a key
// passphrase.
type Prompter func(prompt string) ([]byte, error)

// errNoTerminal is returned by the default prompter when there is no
// terminal to ask on.
var errNoTerminal = errors.New("no terminal available for the prompt")

// Auth is the ordered set of authentication methods offered to the
// gateway.  Close releases the agent connection, if one was opened.
type Auth struct {
	Methods []ssh.AuthMethod
	// Names describes each method for logs and error messages, e.g.
	// "publickey ~/.ssh/id_ed25519" or "agent".
	Names   []string
	closers []io.Closer
}

func (a *Auth) add(name string, m ssh.AuthMethod) {
	a.Methods = append(a.Methods, m)
	a.Names = append(a.Names, name)
}

func (a *Auth) String() string { return strings.Join(a.Names, ", ") }

// Close releases resources held by the methods.
func (a *Auth) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// BuildAuth assembles the authentication methods from the tunnel
// configuration: explicit key, agent, password, in that order.  With
// none requested it falls back to the agent and the usual key files.
//
// Secrets are read through cfg.Prompt, or from the controlling
// terminal, never from stdin, which carries the payload.
func BuildAuth(cfg *SSHConfig) (*Auth, error) {
	prompt := cfg.Prompt
	if prompt == nil {
		prompt = terminalPrompt
	}
	auth := &Auth{}

	if cfg.KeyPath != "" {
		m, err := publicKeyAuth(cfg.KeyPath, prompt)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		auth.add("publickey "+cfg.KeyPath, m)
	}

	if cfg.UseAgent {
		m, conn, err := agentAuth()
		if err != nil {
			auth.Close()
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		auth.closers = append(auth.closers, conn)
		auth.add("agent", m)
	}

	if cfg.PromptPass {
		target := cfg.Host
		if cfg.User != "" {
			target = cfg.User + "@" + cfg.Host
		}
		pass, err := prompt(fmt.Sprintf("%s's password: ", target))
		if err != nil {
			auth.Close()
			return nil, fmt.Errorf("reading password: %w", err)
		}
		auth.add("password", ssh.Password(string(pass)))
	}

	if len(auth.Methods) == 0 {
		defaultAuth(auth, prompt)
	}
	if len(auth.Methods) == 0 {
		return nil, fmt.Errorf("no SSH authentication methods available, " +
			"use --ssh-key, --ssh-password or --ssh-agent")
	}
	return auth, nil
}

// ── individual methods ───────────────────────────────────────────────

func publicKeyAuth(keyPath string, prompt Prompter) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	switch {
	case err == nil:
	case errors.As(err, &missing):
		pass, perr := prompt(fmt.Sprintf("Enter passphrase for %s: ", keyPath))
		if perr != nil {
			return nil, fmt.Errorf("reading passphrase: %w", perr)
		}
		if signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass); err != nil {
			return nil, fmt.Errorf("decrypting key: %w", err)
		}
	default:
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, net.Conn, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn, nil
}

// defaultAuth offers the agent and the common key files.  Keys that
// fail to load are skipped.
func defaultAuth(auth *Auth, prompt Prompter) {
	if m, conn, err := agentAuth(); err == nil {
		auth.closers = append(auth.closers, conn)
		auth.add("agent", m)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if m, err := publicKeyAuth(p, prompt); err == nil {
			auth.add("publickey "+p, m)
		}
	}
}

// terminalPrompt reads a secret from the controlling terminal without
// echo.
func terminalPrompt(prompt string) ([]byte, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, errNoTerminal
		}
		fmt.Fprint(os.Stderr, prompt)
		defer fmt.Fprintln(os.Stderr)
		return term.ReadPassword(int(os.Stdin.Fd()))
	}
	defer tty.Close()

	fmt.Fprint(tty, prompt)
	defer fmt.Fprintln(tty)
	return term.ReadPassword(int(tty.Fd()))
}

// ── host-key verification ────────────────────────────────────────────

func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // user opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := cfg.KnownHosts
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	return cb, nil
}
