package notifier

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ItemCompleted formats the message sent when every file of an item is downloaded.
func ItemCompleted(itemID, title string, paths []string) string {
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}

	label := itemID
	if title != "" {
		label = title + " (" + itemID + ")"
	}

	return fmt.Sprintf("✅ Download finished for item: %s\n%s", label, strings.Join(names, "\n"))
}

// DownloadFailed formats the message sent when a download ends in the failed state.
func DownloadFailed(itemID, fileName string, err error) string {
	return fmt.Sprintf("❌ Download failed for item %s, file %s: %v", itemID, fileName, err)
}
