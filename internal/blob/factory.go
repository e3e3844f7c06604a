package blob

import (
	"context"
	"fmt"
	"organictrace/internal/infra/blob/fs"
	"organictrace/internal/infra/blob/memory"
	"organictrace/internal/infra/blob/s3"
	"os"
	"strings"
)

// Config selects and configures a blob backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     s3.Config
}

// ConfigFromEnv reads the blob configuration from the environment:
//
//	ORGANICTRACE_BLOB_DRIVER: fs|s3|memory (default fs)
//	ORGANICTRACE_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	ORGANICTRACE_BLOB_S3_BUCKET, _REGION, _PREFIX, _ENDPOINT, _PATH_STYLE
//	AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)
func ConfigFromEnv() Config {
	return Config{
		Driver: Driver(os.Getenv("ORGANICTRACE_BLOB_DRIVER")),
		FSRoot: os.Getenv("ORGANICTRACE_BLOB_FS_ROOT"),
		S3: s3.Config{
			Bucket:    os.Getenv("ORGANICTRACE_BLOB_S3_BUCKET"),
			Region:    os.Getenv("ORGANICTRACE_BLOB_S3_REGION"),
			Prefix:    os.Getenv("ORGANICTRACE_BLOB_S3_PREFIX"),
			Endpoint:  os.Getenv("ORGANICTRACE_BLOB_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("ORGANICTRACE_BLOB_S3_PATH_STYLE"), "true"),
		},
	}
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("ORGANICTRACE_BLOB_S3_BUCKET required for s3 driver")
		}
		return s3.New(ctx, cfg.S3)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
