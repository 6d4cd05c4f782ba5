package engine

import (
	"context"

	"silexa/agents/stackagent/internal/artifact"
	"silexa/agents/stackagent/internal/model"
)

func downloadArtifact(ctx context.Context, dest string, a model.Artifact, opts Options) error {
	return artifact.DownloadVerified(ctx, a.URI, dest, a.Checksum, opts.DownloadRetries, opts.DownloadTimeout, opts.DownloadBackoff)
}

func extractArtifact(archivePath, dest string) error {
	return artifact.ExtractArchive(archivePath, dest)
}
