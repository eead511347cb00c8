//go:build !linux

package preflight

func platformCheckTargetFilesystem(path string) error {
	return nil
}
