package cli

import (
	"context"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/chimera-security/chimera/internal/classifier"
	"github.com/chimera-security/chimera/internal/config"
)

// buildBedrockClassifier resolves AWS credentials the default SDK way
// (environment, shared config, instance role) and wires the external
// probabilistic judge. Failures here fail open: if the SDK config can't
// load, serve falls back to the mock classifier rather than refusing to
// start, consistent with spec.md's fail-open posture for the classifier.
func buildBedrockClassifier(cfg config.Config, logger *slog.Logger) classifier.Classifier {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.BedrockRegion))
	if err != nil {
		logger.Warn("bedrock classifier unavailable, falling back to mock", "error", err)
		return classifier.NewMockClassifier(nil)
	}
	client := bedrockruntime.NewFromConfig(awsCfg)
	return classifier.NewBedrockClassifier(client, cfg.BedrockModelID, 2.0, 5, logger)
}
