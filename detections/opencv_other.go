//go:build !opencv
// +build !opencv

package detections

import "golang.org/x/xerrors"

const openCVAvailable = false

func newOpenCVEngine(modelPath string, _ LoadOptions) (engine, error) {
	return nil, xerrors.Errorf("cannot load %s: binary built without the opencv tag", modelPath)
}
