package patch

import (
	"context"
	"fmt"

	"overlayctl/internal/logging"
	"overlayctl/internal/remote"
)

// appendLine adds the line unless present, first terminating a last line that
// lacks its newline.
const appendLine = `grep -q -F -x %[1]s %[2]s || { [ -z "$(sudo tail -c1 %[2]s)" ] || echo | sudo tee -a %[2]s > /dev/null; printf '%%s\n' %[1]s | sudo tee -a %[2]s > /dev/null; }`

// EnsureLine makes sure remotePath on host contains line exactly once as a
// whole line. The file is created when missing and left root:root 0644.
func (p *Patcher) EnsureLine(ctx context.Context, host, remotePath, line string) error {
	logging.L().Infow("ensuring line", "component", "patch", "host", host, "path", remotePath, "line", line)

	file, l := remote.Quote(remotePath), remote.Quote(line)
	cmds := []string{
		remote.Sudo("touch %s", file),
		remote.Sudo("chown root:root %s", file),
		remote.Sudo("chmod 644 %s", file),
		remote.Sudo(appendLine, l, file),
	}
	for _, cmd := range cmds {
		if err := p.exec.Run(ctx, host, cmd); err != nil {
			return fmt.Errorf("failed to ensure line in %s: %w", remotePath, err)
		}
	}
	return nil
}
