package bootstrap

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	wailsruntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

const overwriteButton = "Overwrite"

// dialogDestinations asks through native Wails dialogs.
type dialogDestinations struct {
	app *App
}

// ChooseOutputDestination shows a save dialog in the configured output dir.
func (d *dialogDestinations) ChooseOutputDestination(suggestedName string) (string, error) {
	ctx, err := d.app.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.SaveFileDialog(ctx, wailsruntime.SaveDialogOptions{
		Title:                "Save processed file",
		DefaultDirectory:     d.app.outputDir(),
		DefaultFilename:      suggestedName,
		CanCreateDirectories: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "save file dialog")
	}
	return strings.TrimSpace(path), nil
}

// ConfirmOverwrite asks only when the destination already exists.
func (d *dialogDestinations) ConfirmOverwrite(path string) (bool, error) {
	exists, err := fileExists(path)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}

	ctx, err := d.app.runtimeContext()
	if err != nil {
		return false, err
	}
	answer, err := wailsruntime.MessageDialog(ctx, wailsruntime.MessageDialogOptions{
		Type:          wailsruntime.QuestionDialog,
		Title:         "Replace file?",
		Message:       filepath.Base(path) + " already exists. Replace it?",
		Buttons:       []string{overwriteButton, "Cancel"},
		DefaultButton: "Cancel",
		CancelButton:  "Cancel",
	})
	if err != nil {
		return false, errors.Wrap(err, "overwrite dialog")
	}
	// macOS and Linux report "Yes" for question dialogs.
	return answer == overwriteButton || answer == "Yes", nil
}

// FixedDestination answers destination prompts without user interaction.
type FixedDestination struct {
	Path      string
	Overwrite bool
}

// ChooseOutputDestination returns the configured path.
func (f FixedDestination) ChooseOutputDestination(string) (string, error) {
	if strings.TrimSpace(f.Path) == "" {
		return "", errors.New("output path is required")
	}
	return filepath.Clean(f.Path), nil
}

// ConfirmOverwrite allows missing destinations and existing ones when
// Overwrite is set.
func (f FixedDestination) ConfirmOverwrite(path string) (bool, error) {
	exists, err := fileExists(path)
	if err != nil {
		return false, err
	}
	return !exists || f.Overwrite, nil
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.IsDir() {
			return false, errors.Newf("%s is a directory", path)
		}
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, errors.Wrapf(err, "check %s", path)
	}
}
