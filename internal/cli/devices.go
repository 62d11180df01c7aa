package cli

import (
	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/app"
	"github.com/ent0n29/pitchcoach/internal/device"
	"github.com/ent0n29/pitchcoach/internal/playback"
	"github.com/ent0n29/pitchcoach/internal/protocol"
)

// openDevices opens the host microphone and speaker. The returned func
// releases both.
func openDevices(logger zerolog.Logger) (app.Devices, func() error, error) {
	mic, err := device.OpenMicrophone(logger)
	if err != nil {
		return app.Devices{}, nil, err
	}
	speaker, err := device.OpenSpeaker(protocol.OutputSampleRate)
	if err != nil {
		_ = mic.Close()
		return app.Devices{}, nil, err
	}
	devices := app.Devices{
		Microphone: mic,
		NewSink: func() (playback.Sink, func() error) {
			tl := speaker.NewTimeline()
			return tl, tl.Close
		},
	}
	// oto keeps its context for the life of the process.
	return devices, mic.Close, nil
}
