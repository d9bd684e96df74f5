package dispatch

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/retry"
	"github.com/opendatarepository/odr-worker/internal/tube"
	"github.com/opendatarepository/odr-worker/internal/worker"
)

// Tubes served by the generic handlers.
const (
	TubeCrypto   = "crypto_requests"
	TubeMigrate  = "migrate_datafields"
	TubeRecache  = "recache_record"
	TubeRebuild  = "rebuild_thumbnails"
	TubeImport   = "import_datarecord"
	TubeMassEdit = "mass_edit"
)

// Route is where a remote tube posts its jobs.
type Route struct {
	// URL is used when the job does not name its own endpoint.
	URL     string
	Timeout time.Duration
}

// ForRemote builds the handler of a remote-style tube: decode and validate
// the payload, then post its form to the payload URL or the route URL.
func ForRemote[T any, P interface {
	*T
	payload.Remote
}](caller *Remote, route Route) worker.Handler {
	c := caller.WithTimeout(route.Timeout)
	return worker.Typed[T, P](func(ctx context.Context, p P) error {
		endpoint := p.Endpoint()
		if endpoint == "" {
			endpoint = route.URL
		}
		env, err := c.Call(ctx, endpoint, p.Form())
		if err != nil {
			return err
		}
		log.Debugf(ctx, "remote call answered: %s", env.Message())
		return nil
	})
}

// Crypto decrypts stored files and images. Implementations are supplied by
// the deployment; encryption always goes through the web tier.
type Crypto interface {
	DecryptFile(ctx context.Context, fileID int64, targetFilename string) error
	DecryptImage(ctx context.Context, imageID int64, targetFilename string) error
	// DecryptFileForArchive decrypts a file into a zip archive under
	// desiredFilename.
	DecryptFileForArchive(ctx context.Context, fileID int64, targetFilename, desiredFilename, archivePath string) error
}

// ForCrypto serves the crypto tube. Decryption runs in process through c;
// encryption, and decryption when c is nil, is posted to the web tier.
func ForCrypto(c Crypto, caller *Remote, route Route) worker.Handler {
	remote := ForRemote[payload.Crypto](caller, route)
	return worker.HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		var p payload.Crypto
		if err := payload.Decode(job.Body, &p); err != nil {
			return err
		}
		ctx = log.With(ctx, log.KV{K: "crypto_type", V: p.CryptoType}, log.KV{K: "source", V: p.Source()})
		if c == nil || p.CryptoType != "decrypt" {
			return remote.Handle(ctx, job)
		}

		id := int64(p.ObjectID)
		var err error
		switch {
		case p.ForArchive():
			err = c.DecryptFileForArchive(ctx, id, p.TargetFilename, p.DesiredFilename, p.ArchiveFilepath)
		case p.IsFile():
			err = c.DecryptFile(ctx, id, p.TargetFilename)
		case p.ObjectType == "image" || p.ObjectType == "Image":
			err = c.DecryptImage(ctx, id, p.TargetFilename)
		default:
			return retry.Validation("decrypt", "unsupported object_type "+p.ObjectType)
		}
		if err != nil {
			return retry.Classify("decrypt "+p.ObjectType, err)
		}
		return nil
	})
}

// Generic registers the handlers of every non-export tube. routes is keyed
// by tube name; a missing route posts only to payload URLs, without timeout.
func Generic(reg *Registry, caller *Remote, routes map[string]Route, crypto Crypto) {
	reg.Register(TubeCrypto, ForCrypto(crypto, caller, routes[TubeCrypto]))
	reg.Register(TubeMigrate, ForRemote[payload.Migrate](caller, routes[TubeMigrate]))
	reg.Register(TubeRecache, ForRemote[payload.Recache](caller, routes[TubeRecache]))
	reg.Register(TubeRebuild, ForRemote[payload.RebuildThumbnails](caller, routes[TubeRebuild]))
	reg.Register(TubeImport, ForRemote[payload.XMLImport](caller, routes[TubeImport]))
	reg.Register(TubeMassEdit, ForRemote[payload.MassEdit](caller, routes[TubeMassEdit]))
}
