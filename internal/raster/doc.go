// Package raster owns the in-memory raster model used by the preprocessing
// pipeline.
//
// Responsibilities: geotransform math, destination-grid computation,
// resampling onto a grid (bilinear for reflectance, nearest for categories),
// min-max scaling, binarisation and tiling.
// Key types: Raster, Grid, GeoTransform, Tile.
//
// File formats and CRS math live behind the Driver and Projector interfaces;
// gdalraster implements both on GDAL, MemDriver and the projectors in this
// package serve tests. No file I/O happens in this package.
package raster
