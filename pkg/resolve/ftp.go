package resolve

import (
	"context"
	"io"
	"net"
	"net/url"

	"github.com/jlaffaye/ftp"

	"github.com/jingkaihe/themeproxy/internal/errx"
	"github.com/jingkaihe/themeproxy/pkg/api"
)

const defaultFTPPort = "21"

func (r *Resolver) fetchFTP(ctx context.Context, u *url.URL) ([]byte, error) {
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), defaultFTPPort)
	}

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(r.ftpTimeout))
	if err != nil {
		return nil, errx.With(api.ErrResourceNotFound, ": %s: %w", u.Redacted(), err)
	}
	defer conn.Quit()

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		return nil, errx.With(api.ErrResourceNotFound, ": %s: login: %w", u.Redacted(), err)
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		return nil, errx.With(api.ErrResourceNotFound, ": %s: %w", u.Redacted(), err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, errx.With(api.ErrResourceNotFound, ": %s: %w", u.Redacted(), err)
	}
	r.logger.Debug("fetched", "url", u.Redacted(), "bytes", len(data))
	return data, nil
}
