package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"callsignal-backend/pkg/config"
	"callsignal-backend/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// NewProvider creates the provider selected by cfg.Provider
func NewProvider(ctx context.Context, cfg config.PushConfig) (Provider, error) {
	logger.Info("Initializing push notification provider",
		zap.String("provider_type", cfg.Provider))

	switch ProviderType(cfg.Provider) {
	case ProviderTypeFCM:
		if cfg.FCMProjectID == "" {
			return nil, fmt.Errorf("FCM_PROJECT_ID is required for FCM provider")
		}
		return NewFCMProvider(ctx, &FCMConfig{
			ProjectID:       cfg.FCMProjectID,
			CredentialsPath: cfg.FCMCredentialsPath,
			CredentialsJSON: []byte(cfg.FCMCredentialsJSON),
		})
	case ProviderTypeAPNs:
		return NewAPNsProvider(&APNsConfig{
			KeyPath:             cfg.APNsKeyPath,
			KeyID:               cfg.APNsKeyID,
			TeamID:              cfg.APNsTeamID,
			CertificatePath:     cfg.APNsCertPath,
			CertificatePassword: cfg.APNsCertPass,
			BundleID:            cfg.APNsBundleID,
			Production:          cfg.APNsProduction,
		})
	case ProviderTypeMock:
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", cfg.Provider))
		return &MockProvider{}, nil
	}
}
