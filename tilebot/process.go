package tilebot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/prl900/tilebot/config"
	"github.com/prl900/tilebot/mosaic"
	"github.com/prl900/tilebot/rastreader"
	"github.com/prl900/tilebot/tilecodec"
)

// MosaicBackend is an open mosaic.
type MosaicBackend interface {
	Describe() rastreader.Description
	Tile(ctx context.Context, t rastreader.Tile, opts rastreader.Options, sel mosaic.PixelSelection) (*rastreader.ImageData, error)
	Close() error
}

type MosaicOpener interface {
	Open(ctx context.Context, url string, variant rastreader.Variant) (MosaicBackend, error)
}

type MosaicOpenerFunc func(ctx context.Context, url string, variant rastreader.Variant) (MosaicBackend, error)

func (f MosaicOpenerFunc) Open(ctx context.Context, url string, variant rastreader.Variant) (MosaicBackend, error) {
	return f(ctx, url, variant)
}

// MosaicLoader opens mosaics with l.
func MosaicLoader(l *mosaic.Loader) MosaicOpener {
	return MosaicOpenerFunc(func(ctx context.Context, url string, variant rastreader.Variant) (MosaicBackend, error) {
		return l.Open(ctx, url, variant)
	})
}

// Sink stores artifacts by key.
type Sink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Report lists the outcome of each dataset of a job.
type Report struct {
	// Produced holds the keys of uploaded artifacts.
	Produced []string
	// Skipped holds the tokens of datasets without data for the tile.
	Skipped []string
}

var errNoData = errors.New("dataset returned no data")

// Skippable reports whether err only means a dataset has nothing to offer
// for a tile.
func Skippable(err error) bool {
	return errors.Is(err, mosaic.ErrNoAssetFound) ||
		errors.Is(err, mosaic.ErrEmptyMosaic) ||
		errors.Is(err, rastreader.ErrTileOutsideBounds) ||
		errors.Is(err, errNoData)
}

type Deps struct {
	Readers *rastreader.Registry
	Mosaics MosaicOpener
	Sink    Sink
	Codec   tilecodec.Codec
	Mosaic  config.Mosaic
	Logger  *zap.Logger
}

type Processor struct {
	readers *rastreader.Registry
	mosaics MosaicOpener
	sink    Sink
	codec   tilecodec.Codec
	cfg     config.Mosaic
	log     *zap.Logger
}

func NewProcessor(d Deps) (*Processor, error) {
	if d.Readers == nil || d.Sink == nil {
		return nil, fmt.Errorf("processor needs readers and a sink")
	}
	if d.Codec == nil {
		d.Codec = tilecodec.NPZ{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Processor{
		readers: d.Readers,
		mosaics: d.Mosaics,
		sink:    d.Sink,
		codec:   d.Codec,
		cfg:     d.Mosaic,
		log:     d.Logger,
	}, nil
}

// Process produces one artifact per dataset of job. Datasets without data
// for the tile are skipped; any other failure stops the job and is
// returned. Artifacts uploaded before a failure are kept.
func (p *Processor) Process(ctx context.Context, job *Job) (Report, error) {
	var rep Report

	variant, err := p.readers.Lookup(job.Reader)
	if err != nil {
		return rep, invalid("reader", "%v", err)
	}

	datasets := make([]Dataset, 0, len(job.Datasets))
	for _, token := range job.Datasets {
		ds, err := ResolveDataset(token, p.cfg)
		if err != nil {
			return rep, err
		}
		datasets = append(datasets, ds)
	}

	for _, ds := range datasets {
		log := p.log.With(zap.String("dataset", ds.Token), zap.String("tile", job.Tile.String()))

		key, err := p.processDataset(ctx, log, job, ds, variant)
		switch {
		case err == nil:
			log.Info("tile uploaded", zap.String("key", key))
			rep.Produced = append(rep.Produced, key)
		case Skippable(err):
			log.Warn("no data for tile", zap.Error(err))
			rep.Skipped = append(rep.Skipped, ds.Token)
		default:
			return rep, fmt.Errorf("dataset %s: %w", ds.Token, err)
		}
	}
	return rep, nil
}

func (p *Processor) processDataset(ctx context.Context, log *zap.Logger, job *Job, ds Dataset, variant rastreader.Variant) (string, error) {
	img, err := p.read(ctx, log, job, ds, variant)
	if err != nil {
		return "", err
	}
	if img.Empty() {
		return "", errNoData
	}

	body, err := p.codec.Encode(img)
	if err != nil {
		return "", fmt.Errorf("error encoding tile: %w", err)
	}
	key := ds.Key(job.Tile, p.codec.Ext())
	if err := p.sink.Put(ctx, key, body, p.codec.ContentType()); err != nil {
		return "", fmt.Errorf("error uploading %s: %w", key, err)
	}
	return key, nil
}

func (p *Processor) read(ctx context.Context, log *zap.Logger, job *Job, ds Dataset, variant rastreader.Variant) (*rastreader.ImageData, error) {
	if ds.Mosaic() {
		if p.mosaics == nil {
			return nil, fmt.Errorf("mosaics are not enabled")
		}
		b, err := p.mosaics.Open(ctx, ds.URL, variant)
		if err != nil {
			return nil, fmt.Errorf("error opening mosaic %s: %w", ds.URL, err)
		}
		defer closeLogged(log, b)

		opts, err := p.options(job, b.Describe)
		if err != nil {
			return nil, err
		}
		return b.Tile(ctx, job.Tile, opts, job.PixelSelection)
	}

	r, err := variant.Open(ctx, ds.URL)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", ds.URL, err)
	}
	defer closeLogged(log, r)

	opts, err := p.options(job, r.Describe)
	if err != nil {
		return nil, err
	}
	return r.Tile(ctx, job.Tile, opts)
}

// options reads the band selection of the job. The reader is not consulted
// when the job has an expression.
func (p *Processor) options(job *Job, describe func() rastreader.Description) (rastreader.Options, error) {
	if job.Expression != "" {
		return rastreader.Options{Expression: job.Expression}, nil
	}
	return SelectOptions(describe(), job.Indexes)
}

func closeLogged(log *zap.Logger, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Warn("error closing dataset", zap.Error(err))
	}
}
