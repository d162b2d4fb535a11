package security

import (
	"strconv"
)

const (
	recordHeaderLen = 5 // record header length
	alertRecordLen  = recordHeaderLen + 2
)

type recordType uint8

const (
	recordTypeChangeCipherSpec recordType = 20
	recordTypeAlert            recordType = 21
	recordTypeHandshake        recordType = 22
	recordTypeApplicationData  recordType = 23
)

func (typ recordType) String() string {
	switch typ {
	case recordTypeChangeCipherSpec:
		return "change_cipher_spec"
	case recordTypeAlert:
		return "alert"
	case recordTypeHandshake:
		return "handshake"
	case recordTypeApplicationData:
		return "application_data"
	default:
		return "record(" + strconv.Itoa(int(typ)) + ")"
	}
}

// Alert is a TLS alert description.
type Alert uint8

func (e Alert) String() string {
	s, ok := alertText[e]
	if ok {
		return "tls: " + s
	}
	return "tls: Alert(" + strconv.Itoa(int(e)) + ")"
}

func (e Alert) Error() string {
	return e.String()
}

const (
	alertCloseNotify            Alert = 0
	alertUnexpectedMessage      Alert = 10
	alertBadRecordMAC           Alert = 20
	alertHandshakeFailure       Alert = 40
	alertBadCertificate         Alert = 42
	alertUnsupportedCertificate Alert = 43
	alertCertificateRevoked     Alert = 44
	alertCertificateExpired     Alert = 45
	alertCertificateUnknown     Alert = 46
	alertIllegalParameter       Alert = 47
	alertUnknownCA              Alert = 48
	alertAccessDenied           Alert = 49
	alertDecodeError            Alert = 50
	alertDecryptError           Alert = 51
	alertProtocolVersion        Alert = 70
	alertInsufficientSecurity   Alert = 71
	alertInternalError          Alert = 80
	alertUserCanceled           Alert = 90
	alertCertificateRequired    Alert = 116
)

var alertText = map[Alert]string{
	alertCloseNotify:            "close notify",
	alertUnexpectedMessage:      "unexpected message",
	alertBadRecordMAC:           "bad record MAC",
	alertHandshakeFailure:       "handshake failure",
	alertBadCertificate:         "bad certificate",
	alertUnsupportedCertificate: "unsupported certificate",
	alertCertificateRevoked:     "revoked certificate",
	alertCertificateExpired:     "expired certificate",
	alertCertificateUnknown:     "unknown certificate",
	alertIllegalParameter:       "illegal parameter",
	alertUnknownCA:              "unknown certificate authority",
	alertAccessDenied:           "access denied",
	alertDecodeError:            "error decoding message",
	alertDecryptError:           "error decrypting message",
	alertProtocolVersion:        "protocol version not supported",
	alertInsufficientSecurity:   "insufficient security level",
	alertInternalError:          "internal error",
	alertUserCanceled:           "user canceled",
	alertCertificateRequired:    "certificate required",
}

// plaintextAlert extracts the description of an unencrypted alert record.
// Alerts sent during the first handshake are not protected, so a suppressed
// write can still be described in logs.
func plaintextAlert(record []byte) (alert Alert, ok bool) {
	if len(record) < alertRecordLen || recordType(record[0]) != recordTypeAlert {
		return
	}
	length := int(record[3])<<8 | int(record[4])
	if length != 2 {
		return
	}
	alert = Alert(record[recordHeaderLen+1])
	ok = true
	return
}
