package media

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/cwschroeder/ki-workshop-sub001/pkg/codec"
)

// SDPOptions - параметры генерации медиа описания плеча
type SDPOptions struct {
	SessionName     string            // s= строка ("" = "-")
	PayloadType     codec.PayloadType // Активный кодек
	DTMFPayloadType codec.PayloadType // 0 = без telephone-event строки
}

// DescribeSession строит SDP описание аудио плеча для ответа сигнализации:
// m=audio строка с локальным портом сессии, rtpmap активного кодека и,
// при включенном DTMF, telephone-event.
func DescribeSession(session *CallAudioSession, opts SDPOptions) (*sdp.SessionDescription, error) {
	host, portStr, err := net.SplitHostPort(session.LocalEndpoint().String())
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора локального адреса: %w", err)
	}
	if host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("некорректный порт %q: %w", portStr, err)
	}

	sessionName := opts.SessionName
	if sessionName == "" {
		sessionName = "-"
	}

	clockRate := strconv.Itoa(int(opts.PayloadType.ClockRate()))
	formats := []string{strconv.Itoa(int(opts.PayloadType))}
	attributes := []sdp.Attribute{
		{Key: "rtpmap", Value: fmt.Sprintf("%d %s/%s", opts.PayloadType, opts.PayloadType.String(), clockRate)},
		{Key: "ptime", Value: "20"},
		{Key: "sendrecv"},
	}

	if opts.DTMFPayloadType != 0 {
		dtmfPT := int(opts.DTMFPayloadType)
		formats = append(formats, strconv.Itoa(dtmfPT))
		attributes = append(attributes,
			sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", dtmfPT)},
			sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d 0-15", dtmfPT)},
		)
	}

	now := uint64(time.Now().Unix())
	description := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(sessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attributes,
			},
		},
	}

	return description, nil
}

// ApplyRemoteDescription извлекает удаленную аудио точку из SDP второй
// стороны и устанавливает ее на сессию
func ApplyRemoteDescription(session *CallAudioSession, description *sdp.SessionDescription) error {
	var audio *sdp.MediaDescription
	for _, md := range description.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return fmt.Errorf("SDP не содержит аудио описания")
	}

	connection := audio.ConnectionInformation
	if connection == nil {
		connection = description.ConnectionInformation
	}
	if connection == nil || connection.Address == nil {
		return fmt.Errorf("SDP не содержит адреса соединения")
	}

	remote := net.JoinHostPort(connection.Address.Address, strconv.Itoa(audio.MediaName.Port.Value))
	return session.SetRemoteEndpoint(remote)
}
