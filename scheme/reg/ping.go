package reg

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tarpush/tarpush/internal/reghttp"
	"github.com/tarpush/tarpush/types"
)

// Ping verifies the registry answers the v2 API probe
func (reg *Reg) Ping(ctx context.Context) error {
	req := &reghttp.Req{
		Method: "GET",
		Path:   "",
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		if errors.Is(err, types.ErrCanceled) {
			return err
		}
		return fmt.Errorf("failed to ping registry %s: %v: %w", reg.host.BaseURL, err, types.ErrRegistryUnreachable)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusOK {
		return fmt.Errorf("registry %s does not support the v2 API: %w", reg.host.BaseURL, types.ErrRegistryUnreachable)
	}
	return nil
}
