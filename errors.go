/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfixfwd

import (
	"errors"
	"fmt"

	"github.com/CESNET/ipfixcol-forward/iana/version"
)

var (
	ErrTemplateNotFound      error = errors.New("template not found")
	ErrUnknownVersion        error = errors.New("unknown version")
	ErrUnknownFlowId         error = errors.New("unknown flow id")
	ErrNoSharedIdAvailable   error = errors.New("no free shared template id available for observation domain")
	ErrSenderNotConnected    error = errors.New("sender is not connected")
	ErrResidualBufferTooFull error = errors.New("residual buffer cannot hold payload")
	ErrBuilderFrozen         error = errors.New("packet builder is frozen, call Start before adding parts")
	ErrSetExceedsDatagram    error = errors.New("set header declares a length exceeding the datagram")
)

func templateNotFound(observationDomainId uint32, templateId uint16) error {
	return fmt.Errorf("%w for %d in observation domain %d", ErrTemplateNotFound, templateId, observationDomainId)
}

func unknownVersion(version version.ProtocolVersion) error {
	return fmt.Errorf("%w %d, only 10 is forwarded", ErrUnknownVersion, version)
}

func unknownFlowId(id uint16) error {
	return fmt.Errorf("%w %d", ErrUnknownFlowId, id)
}

func noSharedIdAvailable(odid uint32) error {
	return fmt.Errorf("%w %d", ErrNoSharedIdAvailable, odid)
}
