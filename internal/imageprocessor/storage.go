package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp" // register the webp decoder
)

// ErrInvalidImage reports an upload that is not a decodable image.
var ErrInvalidImage = errors.New("invalid image payload")

const jpegQuality = 92

// Decode validates the payload and returns the decoded, orientation-corrected image.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// Storage keeps uploaded images under a per-animal directory.
type Storage struct {
	root string
}

// NewStorage creates a storage rooted at dir.
func NewStorage(root string) *Storage {
	return &Storage{root: root}
}

// Root returns the base uploads directory.
func (s *Storage) Root() string {
	return s.root
}

// Save writes img as JPEG to <root>/<animalID>/<viewType>_<uuid>.jpg and
// returns the file name.
func (s *Storage) Save(animalID, viewType string, img image.Image) (string, error) {
	dir := filepath.Join(s.root, animalID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	filename := fmt.Sprintf("%s_%s.jpg", viewType, uuid.NewString())
	if err := imaging.Save(img, filepath.Join(dir, filename), imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", fmt.Errorf("save image: %w", err)
	}
	return filename, nil
}

// Remove deletes a previously saved image. Missing files are ignored.
func (s *Storage) Remove(animalID, filename string) error {
	err := os.Remove(filepath.Join(s.root, animalID, filename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
