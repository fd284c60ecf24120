package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ExecUploader hands uploads to an external command. The request is written
// to the command's stdin as JSON and an UploadResult is read from its stdout.
// The access token is passed in UPLOAD_ACCESS_TOKEN rather than on stdin.
// A decodable result is authoritative even when the command exits non-zero.
type ExecUploader struct {
	platform string
	command  []string
	timeout  time.Duration
}

var _ Uploader = (*ExecUploader)(nil)

// NewExecUploader creates an uploader for platform that runs command
// (program followed by its arguments)
func NewExecUploader(platform string, command []string, timeout time.Duration) (*ExecUploader, error) {
	if platform == "" {
		return nil, errors.New("platform is required")
	}
	if len(command) == 0 || command[0] == "" {
		return nil, fmt.Errorf("no upload command configured for %s", platform)
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &ExecUploader{platform: platform, command: command, timeout: timeout}, nil
}

// Platform returns the platform this uploader serves
func (u *ExecUploader) Platform() string {
	return u.platform
}

// Upload runs the command and decodes its result
func (u *ExecUploader) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	payload := *req
	payload.AccessToken = ""
	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upload request: %w", err)
	}

	cmd := exec.CommandContext(ctx, u.command[0], u.command[1:]...) // #nosec G204 - command comes from operator configuration
	cmd.Stdin = bytes.NewReader(body)
	cmd.Env = append(os.Environ(), "UPLOAD_ACCESS_TOKEN="+req.AccessToken)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrToolMissing, u.command[0])
	}

	// retryable is optional in the tool output; absent means the type default
	var out struct {
		UploadResult
		Retryable *bool `json:"retryable"`
	}
	if decodeErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); decodeErr != nil {
		if ctx.Err() != nil {
			return &UploadResult{Error: "upload timed out", ErrorType: ErrorNetwork, Retryable: true}, nil
		}
		msg := strings.TrimSpace(stderr.String())
		if runErr != nil {
			msg = fmt.Sprintf("%v: %s", runErr, msg)
		}
		return &UploadResult{Error: "unreadable uploader output: " + msg, ErrorType: ErrorUnknown, Retryable: true}, nil
	}
	result := out.UploadResult
	result.Retryable = result.ErrorType.DefaultRetryable()
	if out.Retryable != nil {
		result.Retryable = *out.Retryable
	}
	return &result, nil
}
