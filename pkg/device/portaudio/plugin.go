package portaudio

import "github.com/chriscow/voicedesk/pkg/plugin"

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindMicrophone,
		Name:        "portaudio",
		Factory:     func(map[string]any) (any, error) { return NewMicrophone(nil), nil },
		Description: "Default system input device (requires -tags portaudio)",
		Version:     "1.0.0",
	})
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindPlayer,
		Name:        "portaudio",
		Factory:     func(map[string]any) (any, error) { return NewPlayer(nil), nil },
		Description: "Default system output device (requires -tags portaudio)",
		Version:     "1.0.0",
	})
}
