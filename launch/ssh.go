package launch

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os/user"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/sochinpub/nccl-bootstrap/bootstrap"
	"github.com/sochinpub/nccl-bootstrap/log"
)

// dialTimeout bounds how long one SSH handshake may take, grounded on the
// teacher's ssh.Config dial timeout.
const dialTimeout = 8 * time.Second

// sshTarget is one host this launch will connect to, in user@host:port
// form with defaults filled in.
type sshTarget struct {
	user string
	host string
}

func parseTarget(raw string) sshTarget {
	user, host := "", raw
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		user, host = raw[:i], raw[i+1:]
	} else {
		host = raw
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "22")
	}
	if user == "" {
		if u, err := osCurrentUser(); err == nil {
			user = u
		}
	}
	return sshTarget{user: user, host: host}
}

func osCurrentUser() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

func defaultSigner() (ssh.Signer, error) {
	u, err := user.Current()
	if err != nil {
		return nil, err
	}
	keyFile := path.Join(u.HomeDir, ".ssh", "id_rsa")
	buf, err := ioutil.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("launch: failed to read %s: %w", keyFile, err)
	}
	return ssh.ParsePrivateKey(buf)
}

// SSH fans out one rank per host in hosts, connecting over SSH and running
// remoteBin with remoteArgs there, with COMM_ID and BOOTSTRAP_MAGIC set in
// the remote command's environment so each rank joins handle's group.
// Remote stdout/stderr is streamed back prefixed with the host name.
func SSH(ctx context.Context, hosts []string, handle bootstrap.Handle, remoteBin string, remoteArgs []string) error {
	signer, err := defaultSigner()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for rank, raw := range hosts {
		rank, raw := rank, raw
		g.Go(func() error {
			return runRemote(ctx, parseTarget(raw), signer, handle, rank, len(hosts), remoteBin, remoteArgs)
		})
	}
	return g.Wait()
}

func runRemote(ctx context.Context, target sshTarget, signer ssh.Signer, handle bootstrap.Handle, rank, nranks int, remoteBin string, remoteArgs []string) error {
	config := &ssh.ClientConfig{
		User:            target.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	client, err := ssh.Dial("tcp", target.host, config)
	if err != nil {
		return fmt.Errorf("launch: dial %s failed: %w", target.host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("launch: session on %s failed: %w", target.host, err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return err
	}

	cmd := buildRemoteCommand(handle, rank, nranks, remoteBin, remoteArgs)
	log.Debugf("launch: %s: %s", target.host, cmd)
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("launch: start on %s failed: %w", target.host, err)
	}

	prefix := fmt.Sprintf("[rank %d/%s] ", rank, target.host)
	done := make(chan struct{})
	go streamLines(prefix, stdout, done)
	go streamLines(prefix, stderr, done)

	waitErr := make(chan error, 1)
	go func() { waitErr <- session.Wait() }()

	select {
	case err := <-waitErr:
		<-done
		<-done
		return err
	case <-ctx.Done():
		session.Close()
		return ctx.Err()
	}
}

func streamLines(prefix string, r io.Reader, done chan struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fmt.Println(prefix + scanner.Text())
	}
}

// buildRemoteCommand assembles a shell command that exports the
// environment variables the remote "worker" subcommand needs to join
// handle's group and then execs remoteBin. Env vars are exported inline
// (rather than via session.Setenv) since most sshd configurations reject
// SetEnv/AcceptEnv requests.
func buildRemoteCommand(handle bootstrap.Handle, rank, nranks int, remoteBin string, remoteArgs []string) string {
	var magicBuf [8]byte
	putMagic(magicBuf[:], handle.Magic)
	env := fmt.Sprintf("COMM_ID=%s BOOTSTRAP_MAGIC=%s BOOTSTRAP_RANK=%d BOOTSTRAP_NRANKS=%d",
		handle.Address.String(), hex.EncodeToString(magicBuf[:]), rank, nranks)
	return strings.TrimSpace(env + " " + remoteBin + " " + strings.Join(remoteArgs, " "))
}

func putMagic(buf []byte, magic uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(magic >> (8 * i))
	}
}
