package nmea

// Kind identifies a decoded sentence variant.
type Kind uint8

const (
	KindRMC Kind = iota + 1
	KindVTG
	KindGGA
	KindGSA
	KindGSV
	KindZDA
	KindTXT
	KindProprietary
)

func (k Kind) String() string {
	switch k {
	case KindRMC:
		return "RMC"
	case KindVTG:
		return "VTG"
	case KindGGA:
		return "GGA"
	case KindGSA:
		return "GSA"
	case KindGSV:
		return "GSV"
	case KindZDA:
		return "ZDA"
	case KindTXT:
		return "TXT"
	case KindProprietary:
		return "proprietary"
	default:
		return "unknown"
	}
}

// Sentence is one decoded sentence. The concrete type is one of the variant
// structs below; switch on the type, not on Kind, to read fields.
type Sentence interface {
	Kind() Kind
}

// Missing marks an integer field that was blank in the sentence.
const Missing = -1

// RMC: Recommended Minimum Specific GNSS Data.
type RMC struct {
	Talker     string
	UTCTime    float64 // hhmmss.sss
	Valid      bool    // status 'A'
	Latitude   float64 // ddmm.mmmm
	NS         byte
	Longitude  float64 // dddmm.mmmm
	EW         byte
	SpeedKnots float64
	Course     float64
	Date       int // ddmmyy
	MagVar     float64
	MagVarEW   byte
	Mode       byte
}

func (RMC) Kind() Kind { return KindRMC }

// VTG: Course over ground and ground speed.
type VTG struct {
	Talker         string
	CourseTrue     float64
	CourseMagnetic float64
	SpeedKnots     float64
	SpeedKmh       float64
	Mode           byte
}

func (VTG) Kind() Kind { return KindVTG }

// GGA: Global Positioning System Fix Data.
type GGA struct {
	Talker     string
	UTCTime    float64
	Latitude   float64
	NS         byte
	Longitude  float64
	EW         byte
	FixQuality int // 0=invalid
	Satellites int
	HDOP       float64
	Altitude   float64 // meters above MSL
	GeoidSep   float64
}

func (GGA) Kind() Kind { return KindGGA }

// GSA: DOP and active satellites.
type GSA struct {
	Talker  string
	Mode    byte // 'M' manual, 'A' automatic
	FixType int  // 1=none, 2=2D, 3=3D
	PRNs    [12]int
	NumPRNs int
	PDOP    float64
	HDOP    float64
	VDOP    float64
}

func (GSA) Kind() Kind { return KindGSA }

// SatInView is one satellite block of a GSV sentence. Blank elevation,
// azimuth or SNR fields are Missing.
type SatInView struct {
	PRN       int
	Elevation int
	Azimuth   int
	SNR       int
}

// GSV: Satellites in view. One sentence carries up to four satellites.
type GSV struct {
	Talker        string
	TotalMessages int
	MessageNumber int
	InView        int
	Sats          [4]SatInView
	NumSats       int
}

func (GSV) Kind() Kind { return KindGSV }

// ZDA: Time and date.
type ZDA struct {
	Talker      string
	UTCTime     float64
	Day         int
	Month       int
	Year        int
	ZoneHours   int
	ZoneMinutes int
}

func (ZDA) Kind() Kind { return KindZDA }

// TXT: Text transmission.
type TXT struct {
	Talker string
	Total  int
	Number int
	ID     int
	Text   string
}

func (TXT) Kind() Kind { return KindTXT }

// Proprietary is any "$P..." sentence. Code is the first field without '$'
// (for example "PMTK001").
type Proprietary struct {
	Code   string
	Fields []string
}

func (Proprietary) Kind() Kind { return KindProprietary }
