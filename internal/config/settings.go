package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// GameSettings is the client-local settings block. It is injected into the
// rendering layer rather than read from ambient global state; Load and Save
// are the explicit persistence hooks.
type GameSettings struct {
	Graphics GraphicsSettings `json:"graphics"`
	Audio    AudioSettings    `json:"audio"`
	Controls ControlSettings  `json:"controls"`
	Gameplay GameplaySettings `json:"gameplay"`
}

type GraphicsSettings struct {
	Quality        string `json:"quality"` // low | medium | high | ultra
	Resolution     string `json:"resolution"`
	Fullscreen     bool   `json:"fullscreen"`
	VSync          bool   `json:"vsync"`
	Shadows        bool   `json:"shadows"`
	RenderDistance int    `json:"renderDistance"`
}

type AudioSettings struct {
	MasterVolume  int  `json:"masterVolume"`
	MusicVolume   int  `json:"musicVolume"`
	SFXVolume     int  `json:"sfxVolume"`
	EngineSounds  bool `json:"engineSounds"`
	AmbientSounds bool `json:"ambientSounds"`
}

type ControlSettings struct {
	Scheme          string `json:"scheme"` // wasd | arrows | gamepad
	Sensitivity     int    `json:"sensitivity"`
	AutoBrake       bool   `json:"autoBrake"`
	TractionControl bool   `json:"tractionControl"`
}

type GameplaySettings struct {
	Difficulty      string `json:"difficulty"`
	CameraView      string `json:"cameraView"`
	ShowMinimap     bool   `json:"showMinimap"`
	ShowSpeedometer bool   `json:"showSpeedometer"`
	GhostCars       bool   `json:"ghostCars"`
	RaceLength      string `json:"raceLength"` // short | medium | long
}

func DefaultSettings() GameSettings {
	return GameSettings{
		Graphics: GraphicsSettings{
			Quality:        "medium",
			Resolution:     "1920x1080",
			VSync:          true,
			Shadows:        true,
			RenderDistance: 100,
		},
		Audio: AudioSettings{
			MasterVolume:  80,
			MusicVolume:   60,
			SFXVolume:     80,
			EngineSounds:  true,
			AmbientSounds: true,
		},
		Controls: ControlSettings{
			Scheme:          "wasd",
			Sensitivity:     5,
			TractionControl: true,
		},
		Gameplay: GameplaySettings{
			Difficulty:      "medium",
			CameraView:      "third-person",
			ShowMinimap:     true,
			ShowSpeedometer: true,
			RaceLength:      "medium",
		},
	}
}

// LoadSettings reads settings from path, falling back to defaults when the
// file does not exist yet.
func LoadSettings(path string) (GameSettings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return GameSettings{}, err
	}
	s := DefaultSettings()
	if err := json.Unmarshal(data, &s); err != nil {
		return GameSettings{}, err
	}
	return s, nil
}

// SaveSettings writes settings to path, creating parent directories.
func SaveSettings(path string, s GameSettings) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
