/*
Copyright 2022-2024 EscherCloud.

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

package api

import (
	"encoding/xml"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/eschercloudai/stratus/pkg/cloud"
	"github.com/eschercloudai/stratus/pkg/constants"
	"github.com/eschercloudai/stratus/pkg/errors"
)

// Response is any marshalable query API response document.
type Response interface {
	stamp(requestID string)
}

// responseMeta carries the namespace attribute and request identifier
// every response document opens with.
type responseMeta struct {
	XMLNS     string `xml:"xmlns,attr"`
	RequestID string `xml:"requestId"`
}

func (m *responseMeta) stamp(requestID string) {
	m.XMLNS = constants.EC2Namespace
	m.RequestID = requestID
}

// ackResponse acknowledges a verb with no payload, e.g.
// <DeleteVolumeResponse ...><return>true</return>.  The element name is
// derived from the action at runtime.
type ackResponse struct {
	XMLName xml.Name
	responseMeta
	Return bool `xml:"return"`
}

func ack(action string) *ackResponse {
	return &ackResponse{
		XMLName: xml.Name{Local: action + "Response"},
		Return:  true,
	}
}

type runInstancesResponse struct {
	XMLName xml.Name `xml:"RunInstancesResponse"`
	responseMeta
	cloud.Reservation
}

type describeInstancesResponse struct {
	XMLName xml.Name `xml:"DescribeInstancesResponse"`
	responseMeta
	Reservations []cloud.Reservation `xml:"reservationSet>item"`
}

type terminateInstancesResponse struct {
	XMLName xml.Name `xml:"TerminateInstancesResponse"`
	responseMeta
	Instances []cloud.StateChange `xml:"instancesSet>item"`
}

type stopInstancesResponse struct {
	XMLName xml.Name `xml:"StopInstancesResponse"`
	responseMeta
	Instances []cloud.StateChange `xml:"instancesSet>item"`
}

type startInstancesResponse struct {
	XMLName xml.Name `xml:"StartInstancesResponse"`
	responseMeta
	Instances []cloud.StateChange `xml:"instancesSet>item"`
}

type getConsoleOutputResponse struct {
	XMLName xml.Name `xml:"GetConsoleOutputResponse"`
	responseMeta
	cloud.ConsoleOutput
}

type getPasswordDataResponse struct {
	XMLName xml.Name `xml:"GetPasswordDataResponse"`
	responseMeta
	cloud.PasswordData
}

type createKeyPairResponse struct {
	XMLName xml.Name `xml:"CreateKeyPairResponse"`
	responseMeta
	cloud.KeyPairMaterial
}

type importKeyPairResponse struct {
	XMLName xml.Name `xml:"ImportKeyPairResponse"`
	responseMeta
	cloud.KeyPairInfo
}

type describeKeyPairsResponse struct {
	XMLName xml.Name `xml:"DescribeKeyPairsResponse"`
	responseMeta
	Keys []cloud.KeyPairInfo `xml:"keySet>item"`
}

type createSecurityGroupResponse struct {
	XMLName xml.Name `xml:"CreateSecurityGroupResponse"`
	responseMeta
	Groups []cloud.SecurityGroupInfo `xml:"securityGroupSet>item"`
}

type describeSecurityGroupsResponse struct {
	XMLName xml.Name `xml:"DescribeSecurityGroupsResponse"`
	responseMeta
	Groups []cloud.SecurityGroupInfo `xml:"securityGroupInfo>item"`
}

type allocateAddressResponse struct {
	XMLName xml.Name `xml:"AllocateAddressResponse"`
	responseMeta
	PublicIP string `xml:"publicIp"`
}

type describeAddressesResponse struct {
	XMLName xml.Name `xml:"DescribeAddressesResponse"`
	responseMeta
	Addresses []cloud.AddressInfo `xml:"addressesSet>item"`
}

type createVolumeResponse struct {
	XMLName xml.Name `xml:"CreateVolumeResponse"`
	responseMeta
	cloud.VolumeInfo
}

type attachVolumeResponse struct {
	XMLName xml.Name `xml:"AttachVolumeResponse"`
	responseMeta
	cloud.VolumeAttachment
}

type detachVolumeResponse struct {
	XMLName xml.Name `xml:"DetachVolumeResponse"`
	responseMeta
	cloud.VolumeAttachment
}

type describeVolumesResponse struct {
	XMLName xml.Name `xml:"DescribeVolumesResponse"`
	responseMeta
	Volumes []cloud.VolumeInfo `xml:"volumeSet>item"`
}

type createSnapshotResponse struct {
	XMLName xml.Name `xml:"CreateSnapshotResponse"`
	responseMeta
	cloud.SnapshotInfo
}

type describeSnapshotsResponse struct {
	XMLName xml.Name `xml:"DescribeSnapshotsResponse"`
	responseMeta
	Snapshots []cloud.SnapshotInfo `xml:"snapshotSet>item"`
}

type describeImagesResponse struct {
	XMLName xml.Name `xml:"DescribeImagesResponse"`
	responseMeta
	Images []cloud.ImageInfo `xml:"imagesSet>item"`
}

type registerImageResponse struct {
	XMLName xml.Name `xml:"RegisterImageResponse"`
	responseMeta
	ImageID string `xml:"imageId"`
}

type describeAvailabilityZonesResponse struct {
	XMLName xml.Name `xml:"DescribeAvailabilityZonesResponse"`
	responseMeta
	Zones []cloud.AvailabilityZoneInfo `xml:"availabilityZoneInfo>item"`
}

type describeRegionsResponse struct {
	XMLName xml.Name `xml:"DescribeRegionsResponse"`
	responseMeta
	Regions []cloud.RegionInfo `xml:"regionInfo>item"`
}

// writeResponse renders a response document the same way errors are
// rendered, an XML declaration followed by the stamped document.
func writeResponse(w http.ResponseWriter, r *http.Request, requestID string, response Response) {
	log := logr.FromContextOrDiscard(r.Context())

	response.stamp(requestID)

	body, err := xml.Marshal(response)
	if err != nil {
		errors.HandleError(w, r, requestID, err)

		return
	}

	w.Header().Add("Cache-Control", "no-cache")
	w.Header().Add("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(append([]byte(xml.Header), body...)); err != nil {
		log.Error(err, "failed to write response")
	}
}
