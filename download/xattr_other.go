//go:build !linux && !darwin

package download

func setOriginURL(string, string) error {
	return nil
}
