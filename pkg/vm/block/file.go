// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package block

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	logger "github.com/tfdavids-zz/pintos/pkg/log"
)

var log = logger.Get("block")

// File is a Device backed by a regular file or a host block device node.
type File struct {
	path string
	fd   int
	size Sector
}

// OpenFile opens (creating if necessary) the file at path as a device of
// the given number of sectors. A regular file is truncated or extended to
// exactly that size.
func OpenFile(path string, size Sector) (*File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open block device %s", path)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "failed to stat block device %s", path)
	}

	if st.Mode&unix.S_IFMT == unix.S_IFREG {
		if err := unix.Ftruncate(fd, int64(size)*SectorSize); err != nil {
			unix.Close(fd)
			return nil, errors.Wrapf(err, "failed to size block device %s", path)
		}
	}

	log.Info("opened block device %s with %d sectors", path, size)

	return &File{
		path: path,
		fd:   fd,
		size: size,
	}, nil
}

// Size implements Device.
func (f *File) Size() Sector {
	return f.size
}

// Read implements Device.
func (f *File) Read(sector Sector, buf []byte) error {
	if err := checkAccess(f.size, sector, buf); err != nil {
		return errors.Wrapf(err, "%s: read sector %d", f.path, sector)
	}

	n, err := unix.Pread(f.fd, buf, int64(sector)*SectorSize)
	if err != nil {
		return errors.Wrapf(err, "%s: read sector %d", f.path, sector)
	}
	if n != SectorSize {
		return errors.Errorf("%s: short read of sector %d (%d bytes)", f.path, sector, n)
	}

	return nil
}

// Write implements Device.
func (f *File) Write(sector Sector, buf []byte) error {
	if err := checkAccess(f.size, sector, buf); err != nil {
		return errors.Wrapf(err, "%s: write sector %d", f.path, sector)
	}

	n, err := unix.Pwrite(f.fd, buf, int64(sector)*SectorSize)
	if err != nil {
		return errors.Wrapf(err, "%s: write sector %d", f.path, sector)
	}
	if n != SectorSize {
		return errors.Errorf("%s: short write of sector %d (%d bytes)", f.path, sector, n)
	}

	return nil
}

// Close implements Device.
func (f *File) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return errors.Wrapf(err, "failed to close block device %s", f.path)
}
