package media

// HeaderSize is the fixed RTP header length pion/rtp produces for the
// packets this bridge builds: no padding, no extension, no CSRC list.
const HeaderSize = 12

// PayloadTypeULaw is the static RTP payload type for G.711 u-law (PCMU).
const PayloadTypeULaw = 0

// SamplesPerPacket is the number of 8kHz ulaw samples carried per 20ms
// RTP packet.
const SamplesPerPacket = 160

// SilenceByte is the ulaw encoding of digital silence: both the AI-RT
// Session's delta-skip check and its barge-in padding generator use this
// byte value, per the source's convention of treating 0x7F (not the more
// common 0xFF) as silence.
const SilenceByte = 0x7F
