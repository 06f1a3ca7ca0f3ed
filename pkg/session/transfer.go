package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	serrors "github.com/pvaduva/auto-test-sub005/errors"
)

func (s *SSH) sftpClient() (*sftp.Client, error) {
	client, err := s.Client()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &serrors.Error{
			Code:    serrors.ErrConnection,
			Message: "failed to create SFTP client",
			Host:    s.Host(),
			Cause:   err,
		}
	}
	return sc, nil
}

// Upload copies a local file to remotePath over the current SSH connection,
// creating the remote directory if needed.
func (s *SSH) Upload(localPath, remotePath string) error {
	sc, err := s.sftpClient()
	if err != nil {
		return err
	}
	defer sc.Close()

	s.log.Infow("uploading", "local", localPath, "remote", remotePath)
	remoteDir := path.Dir(remotePath)
	if err := sc.MkdirAll(remoteDir); err != nil {
		if _, statErr := sc.Stat(remoteDir); os.IsNotExist(statErr) {
			return s.transferError(err, fmt.Sprintf("failed to create remote directory %s", remoteDir))
		}
	}

	src, err := os.Open(localPath)
	if err != nil {
		return serrors.Wrap(err, serrors.ErrNotFound, fmt.Sprintf("failed to open local file %s", localPath))
	}
	defer src.Close()

	dst, err := sc.Create(remotePath)
	if err != nil {
		return s.transferError(err, fmt.Sprintf("failed to create remote file %s", remotePath))
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		_ = sc.Remove(remotePath)
		return s.transferError(err, "failed to copy content to remote")
	}
	return nil
}

// Download copies remotePath to a local file, creating the local directory
// if needed.
func (s *SSH) Download(remotePath, localPath string) error {
	sc, err := s.sftpClient()
	if err != nil {
		return err
	}
	defer sc.Close()

	s.log.Infow("downloading", "remote", remotePath, "local", localPath)
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create local directory %s: %w", filepath.Dir(localPath), err)
	}

	src, err := sc.Open(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.transferError(err, fmt.Sprintf("remote file %s does not exist", remotePath), serrors.ErrNotFound)
		}
		return s.transferError(err, fmt.Sprintf("failed to open remote file %s", remotePath))
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file %s: %w", localPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		_ = os.Remove(localPath)
		return s.transferError(err, "failed to copy content to local")
	}
	return nil
}

func (s *SSH) transferError(err error, msg string, code ...serrors.ErrorCode) error {
	c := serrors.ErrConnection
	if len(code) > 0 {
		c = code[0]
	}
	return &serrors.Error{
		Code:    c,
		Message: msg,
		Op:      "sftp",
		Host:    s.Host(),
		Cause:   err,
	}
}
