package publish

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/kjk/archiveproxy/log"
	"github.com/melbahja/goph"
	"github.com/pkg/sftp"
)

// defaultKeys are tried in order if there's no ssh agent
var defaultKeys = []string{"id_ed25519", "id_rsa"}

func sshAuth(privateKeyPath string) (goph.Auth, error) {
	if privateKeyPath != "" {
		return goph.Key(privateKeyPath, "")
	}
	if goph.HasAgent() {
		return goph.UseAgent()
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range defaultKeys {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return goph.Key(path, "")
		}
	}
	return nil, errors.New("no ssh agent and no private key in ~/.ssh")
}

func sshConnect(d *Dest, privateKeyPath string) (*goph.Client, error) {
	auth, err := sshAuth(privateKeyPath)
	if err != nil {
		return nil, err
	}
	callback, err := goph.DefaultKnownHosts()
	if err != nil {
		return nil, err
	}
	port := d.Port
	if port == 0 {
		port = 22
	}
	return goph.NewConn(&goph.Config{
		User:     d.User,
		Addr:     d.Host,
		Port:     port,
		Auth:     auth,
		Timeout:  goph.DefaultTimeout,
		Callback: callback,
	})
}

// uploadSSH uploads to a temporary name and renames so that a server
// reading remotePath never sees a partial file
func uploadSSH(d *Dest, privateKeyPath string, localPath string, remotePath string) error {
	client, err := sshConnect(d, privateKeyPath)
	if err != nil {
		return fmt.Errorf("ssh to '%s' failed with '%w'", d.Host, err)
	}
	defer client.Close()

	sc, err := client.NewSftp()
	if err != nil {
		return err
	}
	defer sc.Close()
	return sftpUpload(sc, localPath, remotePath)
}

func sftpUpload(sc *sftp.Client, localPath string, remotePath string) error {
	dir := path.Dir(remotePath)
	if err := sc.MkdirAll(dir); err != nil {
		return fmt.Errorf("sftp.MkdirAll('%s') failed with '%w'", dir, err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmpPath := path.Join(dir, "."+path.Base(remotePath)+".tmp")
	dst, err := sc.Create(tmpPath)
	if err != nil {
		return err
	}
	_, err = dst.ReadFrom(src)
	if err2 := dst.Close(); err == nil {
		err = err2
	}
	if err == nil {
		err = sc.PosixRename(tmpPath, remotePath)
	}
	if err != nil {
		_ = sc.Remove(tmpPath)
		return fmt.Errorf("uploading '%s' to '%s' failed with '%w'", localPath, remotePath, err)
	}
	log.Verbosef("uploaded '%s' to '%s'\n", localPath, remotePath)
	return nil
}
