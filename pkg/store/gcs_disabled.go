//go:build !gcp

package store

import (
	"context"

	"github.com/hxrts/aura/pkg/coreerr"
)

func newGCSFromConfig(context.Context, Config) (Store, error) {
	return nil, coreerr.New(coreerr.KindInvalid, "store.open", "GCS storage is not enabled in this build (use -tags gcp)")
}
