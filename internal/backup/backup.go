// Package backup implements the Backup Protocol (§4.4, §6): detecting
// optional backup.sh/restore.sh scripts in a compose directory, invoking
// them, and parsing their JSON contract. Grounded on the teacher's habit
// of probing remote state with a cheap command before committing to an
// action (src/ssh_actions.go's checkRemoteFileDirExistence), and on
// controller_src/parsing.go's use of stdlib encoding/json for small,
// self-contained wire structs.
package backup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelingevolution/autoupdater/internal/errkind"
	"github.com/modelingevolution/autoupdater/internal/sshchannel"
)

const (
	backupScript  = "backup.sh"
	restoreScript = "restore.sh"
)

// backupResponse is backup.sh's JSON contract (§6).
type backupResponse struct {
	File    string `json:"file"`
	Success *bool  `json:"success"`
	Error   string `json:"error"`
}

// restoreResponse is restore.sh's JSON contract (§6).
type restoreResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Available reports whether backup.sh is present and executable in
// workingDir, detected via `test -x` per §4.4.
func Available(ctx context.Context, channel sshchannel.Channel, workingDir string) (bool, error) {
	return scriptExists(ctx, channel, workingDir, backupScript)
}

// RestoreAvailable reports whether restore.sh is present and executable
// in workingDir.
func RestoreAvailable(ctx context.Context, channel sshchannel.Channel, workingDir string) (bool, error) {
	return scriptExists(ctx, channel, workingDir, restoreScript)
}

func scriptExists(ctx context.Context, channel sshchannel.Channel, workingDir string, name string) (bool, error) {
	result, err := channel.Execute(ctx, fmt.Sprintf("test -x ./%s", name), workingDir)
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0, nil
}

// Run invokes ./backup.sh --format=json in workingDir and returns the
// backup file path on success. Any non-zero exit, missing/non-JSON
// stdout, or a {"success":false} response is a BackupFailed error (§4.4).
func Run(ctx context.Context, channel sshchannel.Channel, workingDir string) (string, error) {
	result, err := channel.Execute(ctx, fmt.Sprintf("./%s --format=json", backupScript), workingDir)
	if err != nil {
		return "", errkind.New(errkind.BackupFailed, err)
	}

	if result.ExitCode != 0 {
		return "", errkind.New(errkind.BackupFailed, fmt.Errorf("backup.sh exited %d: %s", result.ExitCode, result.Stderr))
	}

	var resp backupResponse
	if err := json.Unmarshal([]byte(result.Stdout), &resp); err != nil {
		return "", errkind.New(errkind.BackupFailed, fmt.Errorf("parsing backup.sh output %q: %v", result.Stdout, err))
	}

	if resp.Success != nil && !*resp.Success {
		if resp.Error != "" {
			return "", errkind.New(errkind.BackupFailed, fmt.Errorf("backup.sh reported failure: %s", resp.Error))
		}
		return "", errkind.New(errkind.BackupFailed, fmt.Errorf("backup.sh reported failure"))
	}

	if resp.File == "" {
		return "", errkind.New(errkind.BackupFailed, fmt.Errorf("backup.sh did not report a file path"))
	}

	return resp.File, nil
}

// Restore invokes ./restore.sh --file="<path>" --format=json in
// workingDir. A restore failure is surfaced as RestoreFailed; callers
// driving the rollback sub-machine escalate this to RecoverableFailure
// per §4.4.
func Restore(ctx context.Context, channel sshchannel.Channel, workingDir string, backupPath string) error {
	command := fmt.Sprintf("./%s --file=%q --format=json", restoreScript, backupPath)
	result, err := channel.Execute(ctx, command, workingDir)
	if err != nil {
		return errkind.New(errkind.RestoreFailed, err)
	}

	var resp restoreResponse
	if parseErr := json.Unmarshal([]byte(result.Stdout), &resp); parseErr != nil {
		if result.ExitCode != 0 {
			return errkind.New(errkind.RestoreFailed, fmt.Errorf("restore.sh exited %d: %s", result.ExitCode, result.Stderr))
		}
		return errkind.New(errkind.RestoreFailed, fmt.Errorf("parsing restore.sh output %q: %v", result.Stdout, parseErr))
	}

	if result.ExitCode != 0 || !resp.Success {
		if resp.Error != "" {
			return errkind.New(errkind.RestoreFailed, fmt.Errorf("restore.sh reported failure: %s", resp.Error))
		}
		return errkind.New(errkind.RestoreFailed, fmt.Errorf("restore.sh reported failure"))
	}

	return nil
}

// Fetch retrieves the backup archive's full contents from the target
// host, for callers that want to mirror it to local storage before
// Cleanup removes the remote copy.
func Fetch(ctx context.Context, channel sshchannel.Channel, backupPath string) ([]byte, error) {
	content, err := channel.FetchArchive(ctx, backupPath)
	if err != nil {
		return nil, errkind.New(errkind.BackupFailed, fmt.Errorf("fetching backup archive %s: %v", backupPath, err))
	}
	return content, nil
}

// Cleanup removes the backup artifact after an end-to-end success, per
// §4.4's "backup cleanup happens only on full end-to-end success."
func Cleanup(ctx context.Context, channel sshchannel.Channel, workingDir string, backupPath string) error {
	result, err := channel.Execute(ctx, fmt.Sprintf("rm -f %q", backupPath), workingDir)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return errkind.New(errkind.BackupFailed, fmt.Errorf("removing backup artifact %s: %s", backupPath, result.Stderr))
	}
	return nil
}
