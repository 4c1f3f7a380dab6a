// Package audio is an umbrella for audio format sub-packages.
//
//   - wav: RIFF/WAVE decoding and encoding for corpus recordings
package audio
