package transcriber

import (
	"github.com/foxseedlab/monshin/internal/audio"
	"github.com/foxseedlab/monshin/internal/config"
	"github.com/foxseedlab/monshin/internal/repository"
	"github.com/foxseedlab/monshin/internal/transcriber"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (transcriber.Ingester, error) {
		c := do.MustInvoke[*config.Config](i)
		if c.IngestMode == config.IngestModeCloudSpeech {
			return NewCloudSpeechIngester(CloudSpeechConfig{
				ProjectID:       c.GoogleCloudProjectID,
				CredentialsJSON: c.GoogleCloudCredentialsJSON,
				Language:        c.TranscribeLanguage,
				Location:        c.GoogleCloudSpeechLocation,
				Model:           c.GoogleCloudSpeechModel,
				RetryCount:      c.IngestRetryCount,
			}, do.MustInvoke[repository.Repository](i)), nil
		}
		return NewHTTPIngester(HTTPIngestConfig{
			BaseURL:    c.IngestURL,
			APIKey:     c.IngestAPIKey,
			Timeout:    c.IngestTimeout(),
			RetryCount: c.IngestRetryCount,
			Encoder:    do.MustInvoke[audio.Encoder](i),
		}), nil
	})
}
