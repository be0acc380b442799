// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipeline

import "github.com/olivere/filequeue"

// Entity types with a dedicated image profile.
const (
	EntityProfilePhoto  = "profile_photo"
	EntityProduct       = "product"
	EntityProperty      = "property"
	EntityVehicle       = "vehicle"
	EntityAdvertisement = "advertisement"
	EntityDefault       = "default"
)

// Profiles maps an entity type to the image processing options of
// uploads attached to such an entity. A valid table has an EntityDefault
// entry.
type Profiles map[string]filequeue.ProcessingOptions

// DefaultProfiles returns the built-in profile table.
func DefaultProfiles() Profiles {
	return Profiles{
		EntityProfilePhoto: {
			Resize:  &filequeue.ResizeOptions{Width: 400, Height: 400, Fit: filequeue.FitCover},
			Format:  filequeue.FormatWebP,
			Quality: 85,
			GenerateThumbnails: []filequeue.ThumbnailSpec{
				{Name: "thumbnail", Width: 50, Height: 50},
				{Name: "small", Width: 100, Height: 100},
				{Name: "medium", Width: 200, Height: 200},
			},
		},
		EntityProduct: {
			Resize:  &filequeue.ResizeOptions{Width: 1200, Height: 1200, Fit: filequeue.FitContain},
			Format:  filequeue.FormatWebP,
			Quality: 85,
			GenerateThumbnails: []filequeue.ThumbnailSpec{
				{Name: "thumbnail", Width: 150, Height: 150},
				{Name: "small", Width: 300, Height: 300},
				{Name: "medium", Width: 600, Height: 600},
			},
		},
		EntityProperty: {
			Resize:  &filequeue.ResizeOptions{Width: 1920, Height: 1080, Fit: filequeue.FitInside},
			Format:  filequeue.FormatWebP,
			Quality: 80,
			GenerateThumbnails: []filequeue.ThumbnailSpec{
				{Name: "thumbnail", Width: 200, Height: 150},
				{Name: "small", Width: 400, Height: 300},
				{Name: "medium", Width: 800, Height: 600},
			},
		},
		EntityVehicle: {
			Resize:  &filequeue.ResizeOptions{Width: 1600, Height: 1200, Fit: filequeue.FitInside},
			Format:  filequeue.FormatWebP,
			Quality: 85,
			GenerateThumbnails: []filequeue.ThumbnailSpec{
				{Name: "thumbnail", Width: 200, Height: 150},
				{Name: "small", Width: 400, Height: 300},
				{Name: "medium", Width: 800, Height: 600},
			},
		},
		EntityAdvertisement: {
			Resize:  &filequeue.ResizeOptions{Width: 1200, Height: 628, Fit: filequeue.FitCover},
			Format:  filequeue.FormatWebP,
			Quality: 85,
			GenerateThumbnails: []filequeue.ThumbnailSpec{
				{Name: "thumbnail", Width: 300, Height: 157},
				{Name: "medium", Width: 600, Height: 314},
			},
		},
		EntityDefault: {
			Resize:  &filequeue.ResizeOptions{Width: 1920, Height: 1920, Fit: filequeue.FitInside},
			Format:  filequeue.FormatWebP,
			Quality: 80,
			GenerateThumbnails: []filequeue.ThumbnailSpec{
				{Name: "thumbnail", Width: 150, Height: 150},
				{Name: "medium", Width: 600, Height: 600},
			},
		},
	}
}

// ProfileFor returns a copy of the options for an entity type. Unknown
// types get the EntityDefault entry.
func (p Profiles) ProfileFor(entityType string) filequeue.ProcessingOptions {
	opts, found := p[entityType]
	if !found {
		opts = p[EntityDefault]
	}
	return copyOptions(opts)
}

// Validate checks that the table is total and every entry is valid.
func (p Profiles) Validate() error {
	if _, found := p[EntityDefault]; !found {
		return errMissingDefault
	}
	for name, opts := range p {
		if err := opts.Validate(); err != nil {
			return &ProfileError{EntityType: name, Err: err}
		}
	}
	return nil
}

func copyOptions(o filequeue.ProcessingOptions) filequeue.ProcessingOptions {
	c := o
	if o.Resize != nil {
		r := *o.Resize
		c.Resize = &r
	}
	c.GenerateThumbnails = append([]filequeue.ThumbnailSpec(nil), o.GenerateThumbnails...)
	return c
}
